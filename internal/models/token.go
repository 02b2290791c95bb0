package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"

	// BearerTokenType is the token_type reported to clients.
	BearerTokenType = "Bearer"
)

// Claims represents the JWT payload. Subject holds the user id and ID the jti.
type Claims struct {
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenPair is returned on login and refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// RefreshTokenRecord is the persisted side of a refresh token. Only an
// argon2id hash of the token string is stored.
type RefreshTokenRecord struct {
	ID         string     `db:"id" json:"id"`
	JTI        string     `db:"jti" json:"jti"`
	UserID     string     `db:"user_id" json:"user_id"`
	TokenHash  string     `db:"token_hash" json:"-"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// IsRevoked reports whether the record has been revoked.
func (r *RefreshTokenRecord) IsRevoked() bool {
	return r.RevokedAt != nil
}

// IsExpired reports whether the record's expiry has passed at now.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsValid reports whether the record can still be exchanged at now.
func (r *RefreshTokenRecord) IsValid(now time.Time) bool {
	return !r.IsRevoked() && !r.IsExpired(now)
}

// BlacklistedToken records a revoked jti until its natural expiry.
type BlacklistedToken struct {
	ID            string    `db:"id" json:"id"`
	JTI           string    `db:"jti" json:"jti"`
	UserID        string    `db:"user_id" json:"user_id"`
	TokenType     TokenType `db:"token_type" json:"token_type"`
	ExpiresAt     time.Time `db:"expires_at" json:"expires_at"`
	BlacklistedAt time.Time `db:"blacklisted_at" json:"blacklisted_at"`
}
