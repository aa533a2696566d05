package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			wallet_minutes INTEGER NOT NULL DEFAULT 0,
			total_seconds_used BIGINT NOT NULL DEFAULT 0,
			plan TEXT NOT NULL DEFAULT 'free',
			subscription_status TEXT NOT NULL DEFAULT 'free',
			monthly_minute_allocation INTEGER NOT NULL DEFAULT 0,
			last_monthly_reset TIMESTAMPTZ,
			last_upgrade_bonus TIMESTAMPTZ,
			billing_customer_ref TEXT NOT NULL DEFAULT '',
			billing_subscription_ref TEXT NOT NULL DEFAULT '',
			payment_failed BOOLEAN NOT NULL DEFAULT FALSE,
			last_usage_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_customer_ref ON accounts(billing_customer_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(subscription_status)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			customer_ref TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_events_created_at ON billing_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_events_event_id ON billing_events(event_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, wallet_minutes, total_seconds_used, plan,
			subscription_status, monthly_minute_allocation, last_monthly_reset,
			last_upgrade_bonus, billing_customer_ref, billing_subscription_ref,
			payment_failed, last_usage_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.UserID, a.WalletMinutes, a.TotalSecondsUsed, a.Plan, a.SubscriptionStatus,
		a.MonthlyMinuteAllocation, nullTime(a.LastMonthlyReset), nullTime(a.LastUpgradeBonus),
		a.BillingCustomerRef, a.BillingSubscriptionRef, a.PaymentFailed,
		nullTime(a.LastUsageAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) GetAccountByCustomerRef(ctx context.Context, ref string) (*Account, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE billing_customer_ref = $1`, ref))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

const pgUpdateRetries = 3

func (s *PostgresStore) UpdateAccount(ctx context.Context, userID string, mutate func(*Account) error) error {
	var lastErr error
	for attempt := 0; attempt < pgUpdateRetries; attempt++ {
		err := s.updateAccountOnce(ctx, userID, mutate)
		if err == nil || !isPgRetryable(err) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *PostgresStore) updateAccountOnce(ctx context.Context, userID string, mutate func(*Account) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock serializes concurrent debits and reconciliations per user.
	a, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select account: %w", err)
	}

	if err := mutate(a); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET wallet_minutes = $1, total_seconds_used = $2, plan = $3,
			subscription_status = $4, monthly_minute_allocation = $5, last_monthly_reset = $6,
			last_upgrade_bonus = $7, billing_customer_ref = $8, billing_subscription_ref = $9,
			payment_failed = $10, last_usage_at = $11, updated_at = $12
		 WHERE user_id = $13`,
		a.WalletMinutes, a.TotalSecondsUsed, a.Plan, a.SubscriptionStatus,
		a.MonthlyMinuteAllocation, nullTime(a.LastMonthlyReset), nullTime(a.LastUpgradeBonus),
		a.BillingCustomerRef, a.BillingSubscriptionRef, a.PaymentFailed,
		nullTime(a.LastUsageAt), a.UpdatedAt, userID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func isPgRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// Serialization failure (40001) and deadlock detected (40P01).
	return strings.Contains(msg, "40001") || strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "deadlock detected")
}

func (s *PostgresStore) ListResetDue(ctx context.Context, cutoff time.Time) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE subscription_status = $1 AND monthly_minute_allocation > 0
		   AND (last_monthly_reset IS NULL OR last_monthly_reset <= $2)`,
		StatusActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ConvertLegacyUnlimited(ctx context.Context, plan string, allocation int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET wallet_minutes = $1, plan = $2, monthly_minute_allocation = $3, updated_at = NOW()
		 WHERE wallet_minutes = $4`,
		allocation, plan, allocation, LegacyUnlimited)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) LogBillingEvent(ctx context.Context, ev *BillingEvent) error {
	detail := "{}"
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_events (id, event_id, kind, user_id, customer_ref, outcome, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EventID, ev.Kind, ev.UserID, ev.CustomerRef, ev.Outcome, detail, ev.CreatedAt)
	return err
}

func (s *PostgresStore) ListBillingEvents(ctx context.Context, limit, offset int) ([]BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, kind, user_id, customer_ref, outcome, detail, created_at
		 FROM billing_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []BillingEvent
	for rows.Next() {
		var ev BillingEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Kind, &ev.UserID, &ev.CustomerRef,
			&ev.Outcome, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Detail = []byte(detail)
		events = append(events, ev)
	}
	return events, rows.Err()
}
