package auth

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisRevocationPrefix = "revoked_token:"

// RedisRevocationStore keeps revocation records in redis with a TTL equal to
// the token's remaining lifetime, so expired records collect themselves.
type RedisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore wraps an existing redis client.
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

// Revoke implements RevocationStore.
func (s *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already past natural expiry; verification will reject it regardless.
		return nil
	}
	return s.client.Set(ctx, redisRevocationPrefix+tokenID, "1", ttl).Err()
}

// IsRevoked implements RevocationStore.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, redisRevocationPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeExpired implements RevocationStore. Redis expires records on its own.
func (s *RedisRevocationStore) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
