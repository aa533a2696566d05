package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mockmate-ai/mockmate/store"
)

// ErrUnauthorized is returned when the caller identity does not match the
// wallet owner. It is never retried.
var ErrUnauthorized = errors.New("caller does not own this wallet")

// DefaultMaxDebitSeconds bounds the blast radius of a single reported debit.
const DefaultMaxDebitSeconds = 3600

// CeilMinutes converts call seconds to billed minutes, rounding any partial
// minute up. 59s and 60s both bill one minute; 61s bills two.
func CeilMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// Service is the only authorized entry point for converting observed call
// seconds into a wallet debit.
type Service struct {
	store    store.Store
	limiter  Limiter
	maxDebit int
	logger   *slog.Logger
}

// NewService creates a debit service. maxDebitSeconds <= 0 selects the default ceiling.
func NewService(s store.Store, l Limiter, maxDebitSeconds int, logger *slog.Logger) *Service {
	if maxDebitSeconds <= 0 {
		maxDebitSeconds = DefaultMaxDebitSeconds
	}
	return &Service{
		store:    s,
		limiter:  l,
		maxDebit: maxDebitSeconds,
		logger:   logger.With("component", "wallet"),
	}
}

// DebitSeconds debits ceil(seconds/60) minutes from userID's wallet and bumps
// the usage counter. It returns true when the debit committed (or there was
// nothing to bill) and false when it was dropped; only an identity mismatch is
// surfaced as an error. Store failures are logged and absorbed — a billing
// hiccup must never take down an interview in progress.
func (s *Service) DebitSeconds(ctx context.Context, callerID, userID string, seconds int) (bool, error) {
	if seconds <= 0 {
		return true, nil
	}
	if callerID != userID {
		s.logger.Warn("debit rejected: caller mismatch", "caller_id", callerID, "user_id", userID)
		return false, ErrUnauthorized
	}
	if seconds > s.maxDebit {
		s.logger.Warn("debit clamped to ceiling", "user_id", userID, "seconds", seconds, "ceiling", s.maxDebit)
		seconds = s.maxDebit
	}
	if !s.limiter.Allow(ctx, userID) {
		s.logger.Info("debit rate limited", "user_id", userID, "seconds", seconds)
		return false, nil
	}

	minutes := CeilMinutes(seconds)
	now := time.Now()
	err := s.store.UpdateAccount(ctx, userID, func(a *store.Account) error {
		// Residual legacy-unlimited rows keep their sentinel until migrated;
		// usage still accrues for analytics.
		if a.WalletMinutes != store.LegacyUnlimited {
			a.WalletMinutes -= minutes
			if a.WalletMinutes < 0 {
				a.WalletMinutes = 0
			}
		}
		a.TotalSecondsUsed += int64(seconds)
		a.LastUsageAt = now
		return nil
	})
	if err != nil {
		s.logger.Warn("debit failed", "user_id", userID, "seconds", seconds, "error", err)
		return false, nil
	}

	s.logger.Debug("debit applied", "user_id", userID, "seconds", seconds, "minutes", minutes)
	return true, nil
}

// Balance returns the current account snapshot. Read-only.
func (s *Service) Balance(ctx context.Context, userID string) (*store.Account, error) {
	return s.store.GetAccount(ctx, userID)
}
