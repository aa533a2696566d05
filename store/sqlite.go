package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			wallet_minutes INTEGER NOT NULL DEFAULT 0,
			total_seconds_used INTEGER NOT NULL DEFAULT 0,
			plan TEXT NOT NULL DEFAULT 'free',
			subscription_status TEXT NOT NULL DEFAULT 'free',
			monthly_minute_allocation INTEGER NOT NULL DEFAULT 0,
			last_monthly_reset DATETIME,
			last_upgrade_bonus DATETIME,
			billing_customer_ref TEXT NOT NULL DEFAULT '',
			billing_subscription_ref TEXT NOT NULL DEFAULT '',
			payment_failed INTEGER NOT NULL DEFAULT 0,
			last_usage_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_events_created_at ON billing_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_events_event_id ON billing_events(event_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const accountColumns = `user_id, wallet_minutes, total_seconds_used, plan, subscription_status,
	monthly_minute_allocation, last_monthly_reset, last_upgrade_bonus,
	billing_customer_ref, billing_subscription_ref, payment_failed, last_usage_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var lastReset, lastBonus, lastUsage sql.NullTime
	err := row.Scan(&a.UserID, &a.WalletMinutes, &a.TotalSecondsUsed, &a.Plan,
		&a.SubscriptionStatus, &a.MonthlyMinuteAllocation, &lastReset, &lastBonus,
		&a.BillingCustomerRef, &a.BillingSubscriptionRef, &a.PaymentFailed,
		&lastUsage, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LastMonthlyReset = lastReset.Time
	a.LastUpgradeBonus = lastBonus.Time
	a.LastUsageAt = lastUsage.Time
	return &a, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, wallet_minutes, total_seconds_used, plan,
			subscription_status, monthly_minute_allocation, last_monthly_reset,
			last_upgrade_bonus, billing_customer_ref, billing_subscription_ref,
			payment_failed, last_usage_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.WalletMinutes, a.TotalSecondsUsed, a.Plan, a.SubscriptionStatus,
		a.MonthlyMinuteAllocation, nullTime(a.LastMonthlyReset), nullTime(a.LastUpgradeBonus),
		a.BillingCustomerRef, a.BillingSubscriptionRef, a.PaymentFailed,
		nullTime(a.LastUsageAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) GetAccountByCustomerRef(ctx context.Context, ref string) (*Account, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE billing_customer_ref = ?`, ref))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

const sqliteUpdateRetries = 3

func (s *SQLiteStore) UpdateAccount(ctx context.Context, userID string, mutate func(*Account) error) error {
	var lastErr error
	for attempt := 0; attempt < sqliteUpdateRetries; attempt++ {
		err := s.updateAccountOnce(ctx, userID, mutate)
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *SQLiteStore) updateAccountOnce(ctx context.Context, userID string, mutate func(*Account) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID))
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
		`UPDATE accounts SET wallet_minutes = ?, total_seconds_used = ?, plan = ?,
			subscription_status = ?, monthly_minute_allocation = ?, last_monthly_reset = ?,
			last_upgrade_bonus = ?, billing_customer_ref = ?, billing_subscription_ref = ?,
			payment_failed = ?, last_usage_at = ?, updated_at = ?
		 WHERE user_id = ?`,
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

func isSQLiteBusy(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (s *SQLiteStore) ListResetDue(ctx context.Context, cutoff time.Time) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE subscription_status = ? AND monthly_minute_allocation > 0
		   AND (last_monthly_reset IS NULL OR last_monthly_reset <= ?)`,
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

func (s *SQLiteStore) ConvertLegacyUnlimited(ctx context.Context, plan string, allocation int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET wallet_minutes = ?, plan = ?, monthly_minute_allocation = ?, updated_at = ?
		 WHERE wallet_minutes = ?`,
		allocation, plan, allocation, time.Now(), LegacyUnlimited)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) LogBillingEvent(ctx context.Context, ev *BillingEvent) error {
	detail := "{}"
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_events (id, event_id, kind, user_id, customer_ref, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventID, ev.Kind, ev.UserID, ev.CustomerRef, ev.Outcome, detail, ev.CreatedAt)
	return err
}

func (s *SQLiteStore) ListBillingEvents(ctx context.Context, limit, offset int) ([]BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, kind, user_id, customer_ref, outcome, detail, created_at
		 FROM billing_events ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
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
