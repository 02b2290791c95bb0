package models

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	// ResetTokenLength is the length of a plaintext reset token.
	ResetTokenLength = 64
	// DefaultResetTokenTTL is how long a reset token stays usable.
	DefaultResetTokenTTL = time.Hour

	resetTokenCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// SecretHasher is the subset of the credential store used by reset tokens.
type SecretHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, encoded string) (bool, error)
}

// PasswordResetToken is a single-use reset credential. Only its hash is stored.
type PasswordResetToken struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TokenHash string    `db:"token_hash" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Used      bool      `db:"used" json:"used"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GenerateSecureToken returns a 64 character [A-Za-z0-9] token drawn from crypto/rand.
func GenerateSecureToken() (string, error) {
	charsetLen := big.NewInt(int64(len(resetTokenCharset)))
	buf := make([]byte, ResetTokenLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("generate reset token: %w", err)
		}
		buf[i] = resetTokenCharset[n.Int64()]
	}
	return string(buf), nil
}

// NewPasswordResetToken hashes plain and builds a token valid for ttl from now.
func NewPasswordResetToken(ctx context.Context, userID, plain string, hasher SecretHasher, now time.Time, ttl time.Duration) (*PasswordResetToken, error) {
	if ttl <= 0 {
		ttl = DefaultResetTokenTTL
	}
	hash, err := hasher.Hash(ctx, plain)
	if err != nil {
		return nil, fmt.Errorf("hash reset token: %w", err)
	}
	return &PasswordResetToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(ttl),
		Used:      false,
		CreatedAt: now,
	}, nil
}

// VerifyToken compares candidate against the stored hash.
func (t *PasswordResetToken) VerifyToken(ctx context.Context, candidate string, hasher SecretHasher) (bool, error) {
	return hasher.Verify(ctx, candidate, t.TokenHash)
}

// IsExpired reports whether the expiry has been reached at now.
func (t *PasswordResetToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsValid reports whether the token is unused and unexpired at now.
func (t *PasswordResetToken) IsValid(now time.Time) bool {
	return !t.Used && !t.IsExpired(now)
}
