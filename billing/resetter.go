package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mockmate-ai/mockmate/store"
)

// Resetter refreshes the monthly minute allocation of active subscribers. It
// runs on a schedule and uses a rolling window rather than a calendar
// boundary: an account is due once its last reset is older than the window.
type Resetter struct {
	store  store.Store
	window time.Duration
	logger *slog.Logger
}

// NewResetter creates a resetter with the given rolling window.
func NewResetter(s store.Store, window time.Duration, logger *slog.Logger) *Resetter {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Resetter{
		store:  s,
		window: window,
		logger: logger.With("component", "resetter"),
	}
}

// Run resets every due account's wallet to its allocation and returns the
// number of accounts reset. The due check is re-evaluated inside each
// account's update, so a concurrent run (or an overlapping webhook grant)
// cannot double-reset. Per-account failures are logged and skipped; the rest
// of the batch still runs.
func (r *Resetter) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.window)
	due, err := r.store.ListResetDue(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list accounts due for reset: %w", err)
	}

	reset := 0
	for _, candidate := range due {
		userID := candidate.UserID
		applied := false
		err := r.store.UpdateAccount(ctx, userID, func(a *store.Account) error {
			if a.SubscriptionStatus != store.StatusActive {
				return nil
			}
			if a.MonthlyMinuteAllocation <= 0 {
				return nil
			}
			if !a.LastMonthlyReset.IsZero() && a.LastMonthlyReset.After(cutoff) {
				return nil
			}
			a.WalletMinutes = a.MonthlyMinuteAllocation
			a.LastMonthlyReset = time.Now()
			applied = true
			return nil
		})
		if err != nil {
			r.logger.Warn("allocation reset failed", "user_id", userID, "error", err)
			continue
		}
		if applied {
			reset++
		}
	}

	if reset > 0 || len(due) > 0 {
		r.logger.Info("monthly allocation sweep complete", "due", len(due), "reset", reset)
	}
	return reset, nil
}
