package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(userID string) *Account {
	now := time.Now()
	return &Account{
		UserID:             userID,
		WalletMinutes:      30,
		Plan:               "free",
		SubscriptionStatus: StatusFree,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, testAccount("st-alice")); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	a, err := s.GetAccount(ctx, "st-alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.WalletMinutes != 30 || a.Plan != "free" || a.SubscriptionStatus != StatusFree {
		t.Errorf("account: %+v", a)
	}
	if !a.LastMonthlyReset.IsZero() || !a.LastUsageAt.IsZero() {
		t.Errorf("unset timestamps not zero: %+v", a)
	}

	if _, err := s.GetAccount(ctx, "st-nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account: got %v, want ErrNotFound", err)
	}
}

func TestGetAccountByCustomerRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("st-bob")
	acct.BillingCustomerRef = "cus_st_bob"
	if err := s.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetAccountByCustomerRef(ctx, "cus_st_bob")
	if err != nil {
		t.Fatalf("GetAccountByCustomerRef: %v", err)
	}
	if a.UserID != "st-bob" {
		t.Errorf("UserID: got %q", a.UserID)
	}

	if _, err := s.GetAccountByCustomerRef(ctx, "cus_unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown ref: got %v, want ErrNotFound", err)
	}
	// Accounts without a billing ref all share the empty string; it must
	// never resolve.
	if _, err := s.GetAccountByCustomerRef(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty ref: got %v, want ErrNotFound", err)
	}
}

func TestUpdateAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, testAccount("st-carol")); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateAccount(ctx, "st-carol", func(a *Account) error {
		a.WalletMinutes -= 7
		a.TotalSecondsUsed += 400
		a.LastUsageAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	a, _ := s.GetAccount(ctx, "st-carol")
	if a.WalletMinutes != 23 || a.TotalSecondsUsed != 400 {
		t.Errorf("after update: %+v", a)
	}
	if a.LastUsageAt.IsZero() {
		t.Error("LastUsageAt not persisted")
	}

	if err := s.UpdateAccount(ctx, "st-nobody", func(a *Account) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing account: got %v, want ErrNotFound", err)
	}

	// Mutate errors roll back and pass through unchanged.
	boom := errors.New("boom")
	err = s.UpdateAccount(ctx, "st-carol", func(a *Account) error {
		a.WalletMinutes = 0
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("mutate error: got %v, want boom", err)
	}
	a, _ = s.GetAccount(ctx, "st-carol")
	if a.WalletMinutes != 23 {
		t.Errorf("aborted update leaked: WalletMinutes=%d", a.WalletMinutes)
	}
}

func TestListResetDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	due := testAccount("st-due")
	due.SubscriptionStatus = StatusActive
	due.MonthlyMinuteAllocation = 300
	due.LastMonthlyReset = cutoff.Add(-time.Hour)

	neverReset := testAccount("st-never")
	neverReset.SubscriptionStatus = StatusActive
	neverReset.MonthlyMinuteAllocation = 300

	fresh := testAccount("st-fresh")
	fresh.SubscriptionStatus = StatusActive
	fresh.MonthlyMinuteAllocation = 300
	fresh.LastMonthlyReset = time.Now()

	noAlloc := testAccount("st-noalloc")
	noAlloc.SubscriptionStatus = StatusActive

	canceled := testAccount("st-canceled")
	canceled.SubscriptionStatus = StatusCanceled
	canceled.MonthlyMinuteAllocation = 300
	canceled.LastMonthlyReset = cutoff.Add(-time.Hour)

	for _, a := range []*Account{due, neverReset, fresh, noAlloc, canceled} {
		if err := s.CreateAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	accounts, err := s.ListResetDue(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListResetDue: %v", err)
	}

	got := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		got[a.UserID] = true
	}
	if !got["st-due"] || !got["st-never"] {
		t.Errorf("due accounts missing: %v", got)
	}
	if got["st-fresh"] || got["st-noalloc"] || got["st-canceled"] {
		t.Errorf("not-due accounts listed: %v", got)
	}
}

func TestConvertLegacyUnlimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	legacy := testAccount("st-legacy")
	legacy.WalletMinutes = LegacyUnlimited
	regular := testAccount("st-regular")

	if err := s.CreateAccount(ctx, legacy); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, regular); err != nil {
		t.Fatal(err)
	}

	n, err := s.ConvertLegacyUnlimited(ctx, "pro", 300)
	if err != nil {
		t.Fatalf("ConvertLegacyUnlimited: %v", err)
	}
	if n != 1 {
		t.Errorf("converted: got %d, want 1", n)
	}

	a, _ := s.GetAccount(ctx, "st-legacy")
	if a.WalletMinutes != 300 || a.Plan != "pro" || a.MonthlyMinuteAllocation != 300 {
		t.Errorf("converted account: %+v", a)
	}
	b, _ := s.GetAccount(ctx, "st-regular")
	if b.WalletMinutes != 30 {
		t.Errorf("regular account touched: %+v", b)
	}

	// Re-running is a no-op.
	n, err = s.ConvertLegacyUnlimited(ctx, "pro", 300)
	if err != nil || n != 0 {
		t.Errorf("second run: n=%d err=%v", n, err)
	}
}

func TestBillingEventLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, outcome := range []string{"applied", "skipped", "dropped"} {
		err := s.LogBillingEvent(ctx, &BillingEvent{
			ID:        string(rune('a' + i)),
			EventID:   "evt_log",
			Kind:      "checkout.session.completed",
			UserID:    "st-evt",
			Outcome:   outcome,
			Detail:    json.RawMessage(`{"n":1}`),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogBillingEvent: %v", err)
		}
	}

	events, err := s.ListBillingEvents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListBillingEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	// Newest first.
	if events[0].Outcome != "dropped" {
		t.Errorf("first event outcome: %q", events[0].Outcome)
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:           "usr-1",
		Username:     "st-dave",
		PasswordHash: "$2a$10$fake",
		Role:         "user",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "st-dave")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil || got.ID != "usr-1" || got.Role != "user" {
		t.Errorf("user: %+v", got)
	}

	missing, err := s.GetUser(ctx, "st-nobody")
	if err != nil {
		t.Fatalf("GetUser missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing user: %+v", missing)
	}

	// Usernames are unique.
	dup := &User{ID: "usr-2", Username: "st-dave", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, dup); err == nil {
		t.Error("duplicate username accepted")
	}
}
