// Package wallet implements the minutes wallet: debit accounting and the
// per-user rate limit that guards client-reported usage.
package wallet

import (
	"context"
	"sync"
	"time"
)

// Limiter caps how often a user's balance may be mutated by reported usage.
// Denial is a retryable condition, not an error; callers drop the debit and
// try again on the next sync tick.
type Limiter interface {
	Allow(ctx context.Context, userID string) bool
}

// WindowLimiter is an in-process fixed-window limiter keyed by user ID.
// Suitable for single-instance deployments; use RedisLimiter when multiple
// instances must share counters.
type WindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*debitWindow
	max     int
	length  time.Duration
}

type debitWindow struct {
	start time.Time
	count int
}

// NewWindowLimiter creates a limiter allowing max calls per window length.
func NewWindowLimiter(max int, length time.Duration) *WindowLimiter {
	return &WindowLimiter{
		windows: make(map[string]*debitWindow),
		max:     max,
		length:  length,
	}
}

func (l *WindowLimiter) Allow(_ context.Context, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= l.length {
		l.windows[userID] = &debitWindow{start: now, count: 1}
		return true
	}

	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// cleanup removes windows that elapsed before the cutoff.
func (l *WindowLimiter) cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

// StartCleanup periodically removes stale windows.
func (l *WindowLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(maxAge)
			}
		}
	}()
}
