package yggdrasil

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares the cooldown window across replicas. SET NX with a
// TTL gives the same semantics as the in-memory limiter: the first caller in
// a window wins, later callers are denied until the key expires.
type RedisRateLimiter struct {
	client    *redis.Client
	cooldown  time.Duration
	keyPrefix string
}

// NewRedisRateLimiter constructs a limiter backed by the given Redis client.
func NewRedisRateLimiter(client *redis.Client, cooldown time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:    client,
		cooldown:  cooldown,
		keyPrefix: "yggdrasil:ratelimit:",
	}
}

// TryAccess admits the caller when no unexpired attempt marker exists for the
// key. Denied calls leave the existing marker and its TTL untouched.
func (limiter *RedisRateLimiter) TryAccess(ctx context.Context, key string) (bool, error) {
	admitted, err := limiter.client.SetNX(ctx, limiter.keyPrefix+key, 1, limiter.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit.redis: %w", err)
	}
	return admitted, nil
}
