package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetrack-api/internal/models"
)

// PasswordResetRepository persists reset tokens.
type PasswordResetRepository struct {
	db *sqlx.DB
}

// NewPasswordResetRepository constructs the repository.
func NewPasswordResetRepository(db *sqlx.DB) *PasswordResetRepository {
	return &PasswordResetRepository{db: db}
}

// Create stores a reset token.
func (r *PasswordResetRepository) Create(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	const query = `INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, used, created_at) VALUES (:id, :user_id, :token_hash, :expires_at, :used, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create password reset token: %w", err)
	}
	return nil
}

// ListValid returns every unused, unexpired token. Tokens are stored hashed
// with a per-token salt, so redemption has to compare against each of them.
func (r *PasswordResetRepository) ListValid(ctx context.Context, now time.Time) ([]models.PasswordResetToken, error) {
	const query = `SELECT id, user_id, token_hash, expires_at, used, created_at FROM password_reset_tokens WHERE used = FALSE AND expires_at > $1 ORDER BY created_at DESC`
	var tokens []models.PasswordResetToken
	if err := r.db.SelectContext(ctx, &tokens, query, now); err != nil {
		return nil, fmt.Errorf("list valid reset tokens: %w", err)
	}
	return tokens, nil
}

// CountRecentByUser counts tokens issued to userID since the given instant.
func (r *PasswordResetRepository) CountRecentByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = $1 AND created_at > $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("count reset requests: %w", err)
	}
	return count, nil
}

// Consume marks the token used and stores the new password hash atomically.
// It reports false when the token was already used or expired by the time
// the update ran.
func (r *PasswordResetRepository) Consume(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) (consumed bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() {
		if err != nil || !consumed {
			_ = tx.Rollback()
		}
	}()

	const markUsed = `UPDATE password_reset_tokens SET used = TRUE WHERE id = $1 AND used = FALSE AND expires_at > $2`
	res, err := tx.ExecContext(ctx, markUsed, tokenID, now)
	if err != nil {
		return false, fmt.Errorf("mark reset token used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset token rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	const updatePassword = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, updatePassword, userID, passwordHash, now); err != nil {
		return false, fmt.Errorf("update password: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reset tx: %w", err)
	}
	return true, nil
}

// DeleteExpired removes tokens past their expiry.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM password_reset_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired reset tokens: %w", err)
	}
	return res.RowsAffected()
}
