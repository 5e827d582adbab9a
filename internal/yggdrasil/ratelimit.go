package yggdrasil

import (
	"context"
	"sync"
	"time"
)

// RateLimiter gates password-carrying operations (authenticate, signout) with
// a fixed cooldown per key. TryAccess must be atomic per key: of two
// concurrent calls inside one cooldown window, at most one is admitted.
type RateLimiter interface {
	TryAccess(ctx context.Context, key string) (bool, error)
}

type memoryRateLimiter struct {
	mutex    sync.Mutex
	lastSeen map[string]time.Time
	cooldown time.Duration
	clock    Clock
}

// NewMemoryRateLimiter constructs an in-process RateLimiter with the given
// cooldown window.
func NewMemoryRateLimiter(cooldown time.Duration, clock Clock) RateLimiter {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryRateLimiter{
		lastSeen: make(map[string]time.Time),
		cooldown: cooldown,
		clock:    clock,
	}
}

// TryAccess admits the caller when the key has no attempt recorded within the
// cooldown window. Only admitted attempts move the window; a denied call does
// not extend the cooldown.
func (limiter *memoryRateLimiter) TryAccess(ctx context.Context, key string) (bool, error) {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	now := limiter.clock.Now()
	last, seen := limiter.lastSeen[key]
	if seen && now.Sub(last) <= limiter.cooldown {
		return false, nil
	}
	limiter.lastSeen[key] = now
	return true, nil
}
