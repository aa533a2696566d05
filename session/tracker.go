// Package session tracks live interview calls and meters their elapsed time
// into wallet debits.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mockmate-ai/mockmate/store"
	"github.com/mockmate-ai/mockmate/wallet"
)

var (
	// ErrInsufficientBalance is returned when a call is started with an empty wallet.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrCallActive is returned when the user already has a live call.
	ErrCallActive = errors.New("call already active")
	// ErrNoActiveCall is returned when ending or inspecting a call that is not running.
	ErrNoActiveCall = errors.New("no active call")
)

// State is a call's lifecycle state.
type State string

const (
	StateRunning  State = "running"
	StateFlushing State = "flushing"
)

// DepletionHandler is invoked when a call is force-ended because the wallet
// is projected to be exhausted.
type DepletionHandler func(userID, callID string)

// Snapshot is a point-in-time view of a live call, for the in-call HUD.
type Snapshot struct {
	CallID         string    `json:"call_id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
}

type call struct {
	id        string
	userID    string
	startedAt time.Time
	budget    time.Duration // projected max duration at start; 0 = unbounded (legacy)
	state     State
	cancel    context.CancelFunc

	// syncMu serializes whole sync passes, so a ticker-fired sync racing the
	// final flush from End can never both read the same marker and
	// double-report one span.
	syncMu sync.Mutex

	mu         sync.Mutex
	lastSynced time.Time // advances only after a confirmed successful debit
}

// Tracker holds live call timers, one per user, and syncs elapsed seconds to
// the wallet on a fixed cadence plus a final flush on call end. Accrued
// seconds between the last sync and a process crash are lost; the cadence
// bounds that loss.
type Tracker struct {
	wallet  *wallet.Service
	cadence time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	calls map[string]*call // keyed by user ID

	onDepleted DepletionHandler
}

// NewTracker creates a call tracker syncing on the given cadence.
func NewTracker(w *wallet.Service, cadence time.Duration, logger *slog.Logger) *Tracker {
	if cadence <= 0 {
		cadence = 30 * time.Second
	}
	return &Tracker{
		wallet:  w,
		cadence: cadence,
		logger:  logger.With("component", "session"),
		calls:   make(map[string]*call),
	}
}

// SetDepletionHandler registers the callback used to force-end calls at the
// wallet boundary. Must be called before Start.
func (t *Tracker) SetDepletionHandler(fn DepletionHandler) {
	t.onDepleted = fn
}

// Start begins metering a call. It refuses when the wallet is already empty:
// the debit path only clamps at zero, it does not stop a call, so depletion
// must be projected here.
func (t *Tracker) Start(ctx context.Context, userID, callID string) error {
	acct, err := t.wallet.Balance(ctx, userID)
	if err != nil {
		return err
	}

	var budget time.Duration
	switch {
	case acct.WalletMinutes == store.LegacyUnlimited:
		budget = 0
	case acct.WalletMinutes <= 0:
		return ErrInsufficientBalance
	default:
		budget = time.Duration(acct.WalletMinutes) * time.Minute
	}

	t.mu.Lock()
	if _, exists := t.calls[userID]; exists {
		t.mu.Unlock()
		return ErrCallActive
	}

	runCtx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &call{
		id:         callID,
		userID:     userID,
		startedAt:  now,
		budget:     budget,
		state:      StateRunning,
		cancel:     cancel,
		lastSynced: now,
	}
	t.calls[userID] = c
	t.mu.Unlock()

	go t.run(runCtx, c)

	t.logger.Info("call started", "user_id", userID, "call_id", callID,
		"wallet_minutes", acct.WalletMinutes)
	return nil
}

// run drives the periodic sync loop until the call ends or depletes.
func (t *Tracker) run(ctx context.Context, c *call) {
	ticker := time.NewTicker(t.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sync(ctx, c)
			if t.depleted(ctx, c) {
				userID, callID := c.userID, c.id
				t.logger.Info("wallet depleted, ending call", "user_id", userID, "call_id", callID)
				if err := t.End(context.Background(), userID); err != nil && !errors.Is(err, ErrNoActiveCall) {
					t.logger.Warn("depletion flush failed", "user_id", userID, "error", err)
				}
				if t.onDepleted != nil {
					t.onDepleted(userID, callID)
				}
				return
			}
		}
	}
}

// sync debits the seconds elapsed since the last successful sync. The marker
// advances only on a confirmed debit, so a dropped sync (rate limit, store
// hiccup) rolls its seconds into the next tick instead of losing them.
func (t *Tracker) sync(ctx context.Context, c *call) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	since := c.lastSynced
	c.mu.Unlock()

	now := time.Now()
	seconds := int(now.Sub(since).Seconds())
	if seconds <= 0 {
		return
	}

	ok, err := t.wallet.DebitSeconds(ctx, c.userID, c.userID, seconds)
	if err != nil || !ok {
		return
	}

	c.mu.Lock()
	c.lastSynced = now
	c.mu.Unlock()
}

// depleted reports whether the call crossed its projected wallet boundary.
func (t *Tracker) depleted(ctx context.Context, c *call) bool {
	if c.budget > 0 && time.Since(c.startedAt) >= c.budget {
		return true
	}
	acct, err := t.wallet.Balance(ctx, c.userID)
	if err != nil {
		return false
	}
	return acct.WalletMinutes == 0
}

// End stops the call and performs the final flush, even when zero seconds
// accrued since the last sync.
func (t *Tracker) End(ctx context.Context, userID string) error {
	t.mu.Lock()
	c, ok := t.calls[userID]
	if !ok {
		t.mu.Unlock()
		return ErrNoActiveCall
	}
	c.state = StateFlushing
	delete(t.calls, userID)
	t.mu.Unlock()

	c.cancel()
	t.sync(ctx, c)

	c.mu.Lock()
	billed := int(c.lastSynced.Sub(c.startedAt).Seconds())
	c.mu.Unlock()

	t.logger.Info("call ended", "user_id", userID, "call_id", c.id,
		"duration_seconds", int(time.Since(c.startedAt).Seconds()),
		"billed_seconds", billed)
	return nil
}

// Snapshot returns the live view of the user's call, if any.
func (t *Tracker) Snapshot(userID string) (Snapshot, bool) {
	t.mu.Lock()
	c, ok := t.calls[userID]
	t.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		CallID:         c.id,
		UserID:         c.userID,
		State:          c.state,
		StartedAt:      c.startedAt,
		ElapsedSeconds: int(time.Since(c.startedAt).Seconds()),
	}, true
}

// Shutdown flushes every live call. Used during graceful shutdown so accrued
// seconds are not lost with the process.
func (t *Tracker) Shutdown(ctx context.Context) {
	t.mu.Lock()
	users := make([]string, 0, len(t.calls))
	for userID := range t.calls {
		users = append(users, userID)
	}
	t.mu.Unlock()

	for _, userID := range users {
		if err := t.End(ctx, userID); err != nil && !errors.Is(err, ErrNoActiveCall) {
			t.logger.Warn("shutdown flush failed", "user_id", userID, "error", err)
		}
	}
}
