package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mockmate-ai/mockmate/store"
	"github.com/mockmate-ai/mockmate/wallet"
)

type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

func newTestTracker(t *testing.T, cadence time.Duration) (*Tracker, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := wallet.NewService(s, allowAll{}, 0, logger)
	return NewTracker(w, cadence, logger), s
}

func seedAccount(t *testing.T, s store.Store, userID string, minutes int) {
	t.Helper()
	now := time.Now()
	err := s.CreateAccount(context.Background(), &store.Account{
		UserID:             userID,
		WalletMinutes:      minutes,
		Plan:               "free",
		SubscriptionStatus: store.StatusFree,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStartRefusesEmptyWallet(t *testing.T) {
	tr, s := newTestTracker(t, time.Minute)
	ctx := context.Background()
	seedAccount(t, s, "tr-empty", 0)

	err := tr.Start(ctx, "tr-empty", "call-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("Start with empty wallet: got %v, want ErrInsufficientBalance", err)
	}
}

func TestStartRefusesSecondCall(t *testing.T) {
	tr, s := newTestTracker(t, time.Minute)
	ctx := context.Background()
	seedAccount(t, s, "tr-busy", 30)

	if err := tr.Start(ctx, "tr-busy", "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = tr.End(ctx, "tr-busy") }()

	if err := tr.Start(ctx, "tr-busy", "call-2"); !errors.Is(err, ErrCallActive) {
		t.Errorf("second Start: got %v, want ErrCallActive", err)
	}
}

func TestStartAllowsLegacyUnlimited(t *testing.T) {
	tr, s := newTestTracker(t, time.Minute)
	ctx := context.Background()
	seedAccount(t, s, "tr-legacy", store.LegacyUnlimited)

	if err := tr.Start(ctx, "tr-legacy", "call-1"); err != nil {
		t.Fatalf("Start with legacy sentinel: %v", err)
	}
	_ = tr.End(ctx, "tr-legacy")
}

func TestEndWithoutCall(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)

	if err := tr.End(context.Background(), "tr-nobody"); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("End without call: got %v, want ErrNoActiveCall", err)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	tr, s := newTestTracker(t, time.Minute)
	ctx := context.Background()
	seedAccount(t, s, "tr-snap", 30)

	if _, ok := tr.Snapshot("tr-snap"); ok {
		t.Fatal("snapshot before start")
	}

	if err := tr.Start(ctx, "tr-snap", "call-snap"); err != nil {
		t.Fatal(err)
	}
	snap, ok := tr.Snapshot("tr-snap")
	if !ok {
		t.Fatal("no snapshot for live call")
	}
	if snap.CallID != "call-snap" || snap.State != StateRunning {
		t.Errorf("snapshot: %+v", snap)
	}

	if err := tr.End(ctx, "tr-snap"); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Snapshot("tr-snap"); ok {
		t.Error("snapshot after end")
	}
}

func TestEndFlushesElapsedSeconds(t *testing.T) {
	// Long cadence: only the final flush on End bills anything.
	tr, s := newTestTracker(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, s, "tr-flush", 30)

	if err := tr.Start(ctx, "tr-flush", "call-flush"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := tr.End(ctx, "tr-flush"); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetAccount(ctx, "tr-flush")
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalSecondsUsed < 1 {
		t.Errorf("final flush billed nothing: used=%d", a.TotalSecondsUsed)
	}
	if a.WalletMinutes != 29 {
		t.Errorf("WalletMinutes: got %d, want 29 (1 second rounds up to 1 minute)", a.WalletMinutes)
	}
}

func TestShutdownFlushesLiveCalls(t *testing.T) {
	tr, s := newTestTracker(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, s, "tr-shut", 30)

	if err := tr.Start(ctx, "tr-shut", "call-shut"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	tr.Shutdown(ctx)

	if _, ok := tr.Snapshot("tr-shut"); ok {
		t.Error("call survived shutdown")
	}
	a, err := s.GetAccount(ctx, "tr-shut")
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalSecondsUsed < 1 {
		t.Errorf("shutdown flush billed nothing: used=%d", a.TotalSecondsUsed)
	}
}

func TestConcurrentSyncsBillSpanOnce(t *testing.T) {
	tr, s := newTestTracker(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, s, "tr-race", 30)

	if err := tr.Start(ctx, "tr-race", "call-race"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	tr.mu.Lock()
	c := tr.calls["tr-race"]
	tr.mu.Unlock()

	// Racing syncs must serialize: the first bills the elapsed span and
	// advances the marker, the rest see nothing left to report.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.sync(ctx, c)
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "tr-race")
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalSecondsUsed < 1 || a.TotalSecondsUsed > 2 {
		t.Errorf("span double-billed: used=%d", a.TotalSecondsUsed)
	}

	_ = tr.End(ctx, "tr-race")
}

func TestDepletedProjection(t *testing.T) {
	tr, s := newTestTracker(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, s, "tr-dep", 30)

	over := &call{
		userID:    "tr-dep",
		startedAt: time.Now().Add(-2 * time.Minute),
		budget:    time.Minute,
	}
	if !tr.depleted(ctx, over) {
		t.Error("call past its budget not reported depleted")
	}

	within := &call{
		userID:    "tr-dep",
		startedAt: time.Now(),
		budget:    30 * time.Minute,
	}
	if tr.depleted(ctx, within) {
		t.Error("fresh call reported depleted")
	}

	// Unbounded legacy call with a drained wallet depletes via the balance check.
	err := s.UpdateAccount(ctx, "tr-dep", func(a *store.Account) error {
		a.WalletMinutes = 0
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	unbounded := &call{userID: "tr-dep", startedAt: time.Now(), budget: 0}
	if !tr.depleted(ctx, unbounded) {
		t.Error("drained wallet not reported depleted")
	}
}

func TestDepletionHandlerEndsCall(t *testing.T) {
	tr, s := newTestTracker(t, 50*time.Millisecond)
	ctx := context.Background()
	seedAccount(t, s, "tr-auto", 5)

	fired := make(chan string, 1)
	tr.SetDepletionHandler(func(userID, callID string) {
		fired <- callID
	})

	if err := tr.Start(ctx, "tr-auto", "call-auto"); err != nil {
		t.Fatal(err)
	}

	// Drain the wallet out from under the live call; the next sync tick's
	// balance check must force-end it.
	err := s.UpdateAccount(ctx, "tr-auto", func(a *store.Account) error {
		a.WalletMinutes = 0
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case callID := <-fired:
		if callID != "call-auto" {
			t.Errorf("depletion handler call id: %q", callID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("depletion handler never fired")
	}

	if _, ok := tr.Snapshot("tr-auto"); ok {
		t.Error("depleted call still live")
	}
}
