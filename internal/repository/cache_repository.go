package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "blacklist:"

// CacheRepository is a positive cache of revoked jtis in Redis. Entries
// expire together with the token they describe. A nil client turns every
// call into a miss so the database stays authoritative.
type CacheRepository struct {
	client *redis.Client
}

// NewCacheRepository constructs a cache repository.
func NewCacheRepository(client *redis.Client) *CacheRepository {
	return &CacheRepository{client: client}
}

// Enabled reports whether a Redis client is configured.
func (r *CacheRepository) Enabled() bool {
	return r != nil && r.client != nil
}

// MarkRevoked caches jti as revoked for ttl. Non-positive ttls are skipped
// since the token has already expired.
func (r *CacheRepository) MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error {
	if !r.Enabled() || ttl <= 0 {
		return nil
	}
	key := blacklistKeyPrefix + jti
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// IsRevoked reports a cache hit for jti. A miss means "ask the database",
// never "not revoked".
func (r *CacheRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if !r.Enabled() {
		return false, nil
	}
	key := blacklistKeyPrefix + jti
	if err := r.client.Get(ctx, key).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return true, nil
}

// Ping checks connectivity for readiness probes.
func (r *CacheRepository) Ping(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection if present.
func (r *CacheRepository) Close() error {
	if !r.Enabled() {
		return nil
	}
	return r.client.Close()
}
