package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a fixed-window limiter backed by a shared Redis counter, so
// the policy holds across multiple service instances. On Redis errors it fails
// open: a lost debit-throttle check is preferable to blocking billing.
type RedisLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisLimiter creates a Redis-backed limiter allowing max calls per window.
func NewRedisLimiter(client *redis.Client, max int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		max:    max,
		window: window,
		prefix: "wallet:debits",
		logger: logger.With("component", "redis_limiter"),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string) bool {
	key := fmt.Sprintf("%s:%s", l.prefix, userID)

	// NX: the TTL is set once when the counter is created, never refreshed by
	// later increments. Refreshing on every call would keep a steady stream of
	// syncs pinned at the cap forever instead of rolling over with the window.
	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis limiter unavailable, failing open", "error", err)
		return true
	}

	return incr.Val() <= int64(l.max)
}

// Reset clears the window for a user. Used by tests and admin tooling.
func (l *RedisLimiter) Reset(ctx context.Context, userID string) error {
	return l.client.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, userID)).Err()
}
