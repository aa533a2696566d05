package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mockmate-ai/mockmate/store"
)

// allowAll is a limiter that never throttles.
type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

// denyAll is a limiter that always throttles.
type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, l Limiter) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if l == nil {
		l = allowAll{}
	}
	return NewService(s, l, 0, discardLogger()), s
}

func seedWallet(t *testing.T, s store.Store, userID string, minutes int) {
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

func TestCeilMinutes(t *testing.T) {
	cases := map[int]int{
		-5:  0,
		0:   0,
		1:   1,
		59:  1,
		60:  1,
		61:  2,
		90:  2,
		120: 2,
		610: 11,
	}
	for seconds, want := range cases {
		if got := CeilMinutes(seconds); got != want {
			t.Errorf("CeilMinutes(%d) = %d, want %d", seconds, got, want)
		}
	}
}

func TestDebitSeconds(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-alice", 30)

	ok, err := svc.DebitSeconds(ctx, "w-alice", "w-alice", 610)
	if err != nil {
		t.Fatalf("DebitSeconds: %v", err)
	}
	if !ok {
		t.Fatal("debit dropped")
	}

	a, err := s.GetAccount(ctx, "w-alice")
	if err != nil {
		t.Fatal(err)
	}
	// 610s bills ceil(610/60) = 11 minutes.
	if a.WalletMinutes != 19 {
		t.Errorf("WalletMinutes: got %d, want 19", a.WalletMinutes)
	}
	if a.TotalSecondsUsed != 610 {
		t.Errorf("TotalSecondsUsed: got %d, want 610", a.TotalSecondsUsed)
	}
	if a.LastUsageAt.IsZero() {
		t.Error("LastUsageAt not stamped")
	}
}

func TestDebitClampsAtZero(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-bob", 1)

	ok, err := svc.DebitSeconds(ctx, "w-bob", "w-bob", 120)
	if err != nil || !ok {
		t.Fatalf("DebitSeconds: ok=%v err=%v", ok, err)
	}

	a, _ := s.GetAccount(ctx, "w-bob")
	if a.WalletMinutes != 0 {
		t.Errorf("WalletMinutes: got %d, want 0 (never negative)", a.WalletMinutes)
	}
	if a.TotalSecondsUsed != 120 {
		t.Errorf("TotalSecondsUsed: got %d, want 120", a.TotalSecondsUsed)
	}
}

func TestDebitCallerMismatch(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-carol", 30)

	ok, err := svc.DebitSeconds(ctx, "w-mallory", "w-carol", 60)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err: got %v, want ErrUnauthorized", err)
	}
	if ok {
		t.Error("mismatched debit reported as committed")
	}

	a, _ := s.GetAccount(ctx, "w-carol")
	if a.WalletMinutes != 30 || a.TotalSecondsUsed != 0 {
		t.Errorf("account mutated by rejected debit: %+v", a)
	}
}

func TestDebitZeroSecondsIsNoop(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-dave", 30)

	ok, err := svc.DebitSeconds(ctx, "w-dave", "w-dave", 0)
	if err != nil || !ok {
		t.Fatalf("zero debit: ok=%v err=%v", ok, err)
	}

	a, _ := s.GetAccount(ctx, "w-dave")
	if a.WalletMinutes != 30 || a.TotalSecondsUsed != 0 {
		t.Errorf("zero debit mutated account: %+v", a)
	}
}

func TestDebitClampedToCeiling(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-erin", 300)

	// Far beyond the single-debit ceiling; only one hour is billable.
	ok, err := svc.DebitSeconds(ctx, "w-erin", "w-erin", 50000)
	if err != nil || !ok {
		t.Fatalf("DebitSeconds: ok=%v err=%v", ok, err)
	}

	a, _ := s.GetAccount(ctx, "w-erin")
	if a.WalletMinutes != 240 {
		t.Errorf("WalletMinutes: got %d, want 240 (3600s clamp = 60 min)", a.WalletMinutes)
	}
	if a.TotalSecondsUsed != 3600 {
		t.Errorf("TotalSecondsUsed: got %d, want 3600", a.TotalSecondsUsed)
	}
}

func TestDebitLegacyUnlimited(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-legacy", store.LegacyUnlimited)

	ok, err := svc.DebitSeconds(ctx, "w-legacy", "w-legacy", 300)
	if err != nil || !ok {
		t.Fatalf("DebitSeconds: ok=%v err=%v", ok, err)
	}

	a, _ := s.GetAccount(ctx, "w-legacy")
	if a.WalletMinutes != store.LegacyUnlimited {
		t.Errorf("sentinel overwritten: got %d", a.WalletMinutes)
	}
	if a.TotalSecondsUsed != 300 {
		t.Errorf("usage not accrued for legacy account: got %d", a.TotalSecondsUsed)
	}
}

func TestDebitConcurrentNoLostUpdates(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedWallet(t, s, "w-race", 100)

	// Concurrent debits on one account must serialize through the store
	// transaction: the end state is exactly the serial sum.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.DebitSeconds(ctx, "w-race", "w-race", 60)
			if err != nil || !ok {
				t.Errorf("concurrent debit: ok=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "w-race")
	if err != nil {
		t.Fatal(err)
	}
	if a.WalletMinutes != 80 {
		t.Errorf("WalletMinutes: got %d, want 80 (20 debits of 1 minute)", a.WalletMinutes)
	}
	if a.TotalSecondsUsed != 1200 {
		t.Errorf("TotalSecondsUsed: got %d, want 1200", a.TotalSecondsUsed)
	}
}

func TestDebitRateLimited(t *testing.T) {
	svc, s := newTestService(t, denyAll{})
	ctx := context.Background()
	seedWallet(t, s, "w-frank", 30)

	ok, err := svc.DebitSeconds(ctx, "w-frank", "w-frank", 60)
	if err != nil {
		t.Fatalf("rate limited debit must not error: %v", err)
	}
	if ok {
		t.Error("rate limited debit reported as committed")
	}

	a, _ := s.GetAccount(ctx, "w-frank")
	if a.WalletMinutes != 30 || a.TotalSecondsUsed != 0 {
		t.Errorf("rate limited debit mutated account: %+v", a)
	}
}

func TestDebitUnknownAccountAbsorbed(t *testing.T) {
	svc, _ := newTestService(t, nil)

	// Store failure path: missing account is logged and absorbed, never an error.
	ok, err := svc.DebitSeconds(context.Background(), "w-ghost", "w-ghost", 60)
	if err != nil {
		t.Fatalf("store failure leaked as error: %v", err)
	}
	if ok {
		t.Error("failed debit reported as committed")
	}
}
