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

const refreshTokenColumns = `id, jti, user_id, token_hash, expires_at, revoked_at, created_at, last_used_at`

// RefreshTokenRepository persists refresh token records.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs the repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const insertRefreshToken = `INSERT INTO refresh_tokens (id, jti, user_id, token_hash, expires_at, revoked_at, created_at, last_used_at) VALUES (:id, :jti, :user_id, :token_hash, :expires_at, :revoked_at, :created_at, :last_used_at)`

// Create stores a new refresh token record.
func (r *RefreshTokenRepository) Create(ctx context.Context, record *models.RefreshTokenRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, err := r.db.NamedExecContext(ctx, insertRefreshToken, record); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByJTI returns the record for jti, or nil when none exists.
func (r *RefreshTokenRepository) FindByJTI(ctx context.Context, jti string) (*models.RefreshTokenRecord, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE jti = $1`
	var record models.RefreshTokenRecord
	if err := r.db.GetContext(ctx, &record, query, jti); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &record, nil
}

// TouchLastUsed records a successful exchange.
func (r *RefreshTokenRepository) TouchLastUsed(ctx context.Context, jti string, at time.Time) error {
	const query = `UPDATE refresh_tokens SET last_used_at = $2 WHERE jti = $1`
	if _, err := r.db.ExecContext(ctx, query, jti, at); err != nil {
		return fmt.Errorf("touch refresh token: %w", err)
	}
	return nil
}

// Rotate revokes oldJTI and stores next in one transaction. The revoke is
// conditional on the old record still being active, so of two concurrent
// rotations of the same token exactly one reports true.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldJTI string, next *models.RefreshTokenRecord, revokedAt time.Time) (rotated bool, err error) {
	if next.ID == "" {
		next.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rotate tx: %w", err)
	}
	defer func() {
		if err != nil || !rotated {
			_ = tx.Rollback()
		}
	}()

	const revoke = `UPDATE refresh_tokens SET revoked_at = $2, last_used_at = $2 WHERE jti = $1 AND revoked_at IS NULL AND expires_at > $2`
	res, err := tx.ExecContext(ctx, revoke, oldJTI, revokedAt)
	if err != nil {
		return false, fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err = tx.NamedExecContext(ctx, insertRefreshToken, next); err != nil {
		return false, fmt.Errorf("insert rotated refresh token: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rotate tx: %w", err)
	}
	return true, nil
}

// Revoke marks a single record revoked. It reports whether a row changed.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, jti string, at time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE jti = $1 AND revoked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, jti, at)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows: %w", err)
	}
	return affected > 0, nil
}

// RevokeAllForUser revokes every active record of userID.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired removes records past their expiry.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}
