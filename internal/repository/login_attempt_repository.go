package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetrack-api/internal/models"
)

// LoginAttemptRepository records login attempts and account lockouts.
type LoginAttemptRepository struct {
	db *sqlx.DB
}

// NewLoginAttemptRepository constructs the repository.
func NewLoginAttemptRepository(db *sqlx.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// Create appends an attempt to the audit log.
func (r *LoginAttemptRepository) Create(ctx context.Context, attempt *models.LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	const query = `INSERT INTO login_attempts (id, ip_address, email, user_id, success, failure_reason, user_agent, created_at) VALUES (:id, :ip_address, :email, :user_id, :success, :failure_reason, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, attempt); err != nil {
		return fmt.Errorf("create login attempt: %w", err)
	}
	return nil
}

// CountFailedByIP counts failed attempts from ip since the given instant.
func (r *LoginAttemptRepository) CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM login_attempts WHERE ip_address = $1 AND success = FALSE AND created_at > $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, ip, since); err != nil {
		return 0, fmt.Errorf("count failed attempts by ip: %w", err)
	}
	return count, nil
}

// CountFailedByEmail counts failed attempts for email since the given instant.
func (r *LoginAttemptRepository) CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM login_attempts WHERE email = $1 AND success = FALSE AND created_at > $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, email, since); err != nil {
		return 0, fmt.Errorf("count failed attempts by email: %w", err)
	}
	return count, nil
}

// RecentByEmail returns the latest attempts for email, newest first.
func (r *LoginAttemptRepository) RecentByEmail(ctx context.Context, email string, limit int) ([]models.LoginAttempt, error) {
	const query = `SELECT id, ip_address, email, user_id, success, failure_reason, user_agent, created_at FROM login_attempts WHERE email = $1 ORDER BY created_at DESC LIMIT $2`
	var attempts []models.LoginAttempt
	if err := r.db.SelectContext(ctx, &attempts, query, email, limit); err != nil {
		return nil, fmt.Errorf("list login attempts: %w", err)
	}
	return attempts, nil
}

// DeleteOlderThan prunes the audit log.
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM login_attempts WHERE created_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old login attempts: %w", err)
	}
	return res.RowsAffected()
}

// CreateLockout stores a new lockout.
func (r *LoginAttemptRepository) CreateLockout(ctx context.Context, lockout *models.AccountLockout) error {
	if lockout.ID == "" {
		lockout.ID = uuid.NewString()
	}
	const query = `INSERT INTO account_lockouts (id, user_id, failed_attempts, locked_at, locked_until, unlocked_at) VALUES (:id, :user_id, :failed_attempts, :locked_at, :locked_until, :unlocked_at)`
	if _, err := r.db.NamedExecContext(ctx, query, lockout); err != nil {
		return fmt.Errorf("create account lockout: %w", err)
	}
	return nil
}

// ActiveLockout returns the lockout in force for userID at now, or nil.
func (r *LoginAttemptRepository) ActiveLockout(ctx context.Context, userID string, now time.Time) (*models.AccountLockout, error) {
	const query = `SELECT id, user_id, failed_attempts, locked_at, locked_until, unlocked_at FROM account_lockouts WHERE user_id = $1 AND unlocked_at IS NULL AND locked_until > $2 ORDER BY locked_until DESC LIMIT 1`
	var lockout models.AccountLockout
	if err := r.db.GetContext(ctx, &lockout, query, userID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active lockout: %w", err)
	}
	return &lockout, nil
}

// Unlock clears every open lockout of userID.
func (r *LoginAttemptRepository) Unlock(ctx context.Context, userID string, at time.Time) (int64, error) {
	const query = `UPDATE account_lockouts SET unlocked_at = $2 WHERE user_id = $1 AND unlocked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("unlock account: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseExpired marks lapsed lockouts as unlocked.
func (r *LoginAttemptRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE account_lockouts SET unlocked_at = locked_until WHERE unlocked_at IS NULL AND locked_until <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("release expired lockouts: %w", err)
	}
	return res.RowsAffected()
}
