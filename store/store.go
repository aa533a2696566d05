// Package store defines the account storage interface and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrConflict is returned when a transactional update exhausted its retries.
	ErrConflict = errors.New("account update conflict")
)

// Subscription statuses as stored on an account.
const (
	StatusFree     = "free"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusTrialing = "trialing"
)

// LegacyUnlimited is the retired wallet sentinel that used to mean "unlimited
// minutes". It is never written by current code; residual rows are converted by
// ConvertLegacyUnlimited or collapsed to 0 when the subscription is deleted.
const LegacyUnlimited = -1

// Account is the per-user billing ledger.
type Account struct {
	UserID                  string    `json:"user_id"`
	WalletMinutes           int       `json:"wallet_minutes"`
	TotalSecondsUsed        int64     `json:"total_seconds_used"`
	Plan                    string    `json:"plan"` // "free" or "pro"
	SubscriptionStatus      string    `json:"subscription_status"`
	MonthlyMinuteAllocation int       `json:"monthly_minute_allocation"` // 0 = no recurring grant
	LastMonthlyReset        time.Time `json:"last_monthly_reset,omitempty"`
	LastUpgradeBonus        time.Time `json:"last_upgrade_bonus,omitempty"`
	BillingCustomerRef      string    `json:"billing_customer_ref,omitempty"`
	BillingSubscriptionRef  string    `json:"billing_subscription_ref,omitempty"`
	PaymentFailed           bool      `json:"payment_failed"`
	LastUsageAt             time.Time `json:"last_usage_at,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// User is a builtin-auth login record. With an external identity provider the
// users table stays empty; accounts key directly off the provider subject.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// BillingEvent records the outcome of one processed billing-provider event,
// with enough context to allow manual replay.
type BillingEvent struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"` // provider event id
	Kind        string          `json:"kind"`
	UserID      string          `json:"user_id,omitempty"`
	CustomerRef string          `json:"customer_ref,omitempty"`
	Outcome     string          `json:"outcome"` // "applied", "skipped", "dropped", "error"
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store is the persistence interface for accounts.
//
// UpdateAccount runs mutate against the current account row and commits the
// result atomically; concurrent updates to the same user serialize through the
// row transaction, so no debit or reconciliation is ever lost to a race.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	GetAccountByCustomerRef(ctx context.Context, ref string) (*Account, error)
	UpdateAccount(ctx context.Context, userID string, mutate func(*Account) error) error

	// ListResetDue returns active accounts with a recurring allocation whose
	// last reset is unset or at/before cutoff.
	ListResetDue(ctx context.Context, cutoff time.Time) ([]Account, error)

	// ConvertLegacyUnlimited rewrites residual LegacyUnlimited sentinel rows to
	// the allocation model and returns the number of rows converted.
	ConvertLegacyUnlimited(ctx context.Context, plan string, allocation int) (int64, error)

	// Builtin-auth users. GetUser returns (nil, nil) when the user does not exist.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, username string) (*User, error)

	// Billing event log
	LogBillingEvent(ctx context.Context, ev *BillingEvent) error
	ListBillingEvents(ctx context.Context, limit, offset int) ([]BillingEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
