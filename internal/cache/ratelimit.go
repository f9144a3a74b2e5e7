package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quotebid/internal/core"
	"quotebid/internal/types"
)

// rateLimitKeyPrefix namespaces the limiter's counters in Redis.
const rateLimitKeyPrefix = "quotebid:ratelimit"

// RateLimiter implements fixed-window rate limiting on Redis counters.
// Each (key, window-start) pair maps to one counter that expires shortly
// after its window closes, so stale windows clean themselves up.
type RateLimiter struct {
	redis *Redis
	clock types.Clock
}

// NewRateLimiter creates a RateLimiter backed by the given Redis client.
func NewRateLimiter(r *Redis, clock types.Clock) *RateLimiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RateLimiter{redis: r, clock: clock}
}

// IncrementAndCheck atomically increments the caller's counter for the
// current window and reports whether the request is within the limit.
func (l *RateLimiter) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	now := l.clock.Now()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)

	counterKey := fmt.Sprintf("%s:%s:%d", rateLimitKeyPrefix, key, windowStart.Unix())

	pipe := l.redis.Client().TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	// The extra second keeps the counter alive through the window boundary.
	pipe.Expire(ctx, counterKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit increment %s: %w", key, err)
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return core.RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
