package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetrack-api/internal/models"
)

// BlacklistRepository stores revoked jtis until they would have expired anyway.
type BlacklistRepository struct {
	db *sqlx.DB
}

// NewBlacklistRepository constructs the repository.
func NewBlacklistRepository(db *sqlx.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// Insert blacklists a jti. Re-blacklisting the same jti is a no-op.
func (r *BlacklistRepository) Insert(ctx context.Context, token *models.BlacklistedToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	const query = `INSERT INTO blacklisted_tokens (id, jti, user_id, token_type, expires_at, blacklisted_at) VALUES (:id, :jti, :user_id, :token_type, :expires_at, :blacklisted_at) ON CONFLICT (jti) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// Exists reports whether jti is blacklisted.
func (r *BlacklistRepository) Exists(ctx context.Context, jti string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM blacklisted_tokens WHERE jti = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, jti); err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

// DeleteExpired removes entries whose tokens have expired.
func (r *BlacklistRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM blacklisted_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired blacklisted tokens: %w", err)
	}
	return res.RowsAffected()
}
