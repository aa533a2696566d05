// Package config handles service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or webhook secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Wallet    WalletConfig    `json:"wallet,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Voice     VoiceConfig     `json:"voice,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"`     // "builtin" (default) or "clerk"
	ClerkIssuer  string        `json:"clerk_issuer,omitempty"` // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret    string        `json:"jwt_secret,omitempty"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user with builtin auth.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "mockmate.db" or a postgres URL
}

// WalletConfig tunes the time-metering wallet.
type WalletConfig struct {
	FreeSignupMinutes int      `json:"free_signup_minutes,omitempty"` // minutes granted at account creation; default 30
	MaxDebitSeconds   int      `json:"max_debit_seconds,omitempty"`   // ceiling for a single reported debit; default 3600
	SyncInterval      Duration `json:"sync_interval,omitempty"`       // live-call debit cadence; default 30s
	DebitsPerWindow   int      `json:"debits_per_window,omitempty"`   // per-user debit rate limit; default 10
	DebitWindow       Duration `json:"debit_window,omitempty"`        // rate limit window; default 60s
	RedisAddr         string   `json:"redis_addr,omitempty"`          // shared limiter backend; empty = in-process
}

// BillingConfig defines Stripe billing settings. Disabled by default.
type BillingConfig struct {
	Enabled             bool     `json:"enabled,omitempty"`
	StripeSecretKey     string   `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string   `json:"stripe_webhook_secret,omitempty"`
	StripePricePro      string   `json:"stripe_price_pro,omitempty"`      // Stripe price ID for the pro plan
	ProMonthlyMinutes   int      `json:"pro_monthly_minutes,omitempty"`   // monthly allocation for pro; default 300
	ResetSchedule       string   `json:"reset_schedule,omitempty"`        // cron expression; default daily at 04:10 UTC
	ResetWindow         Duration `json:"reset_window,omitempty"`          // min age between allocation resets; default 720h
}

// VoiceConfig defines the voice-call provider integration.
type VoiceConfig struct {
	WebhookSecret string `json:"webhook_secret,omitempty"` // shared secret for call lifecycle events
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP request rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "clerk" && c.Auth.ClerkIssuer == "" {
		return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
	}
	if c.Billing.Enabled {
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "mockmate.db"
	}
	if c.Wallet.FreeSignupMinutes == 0 {
		c.Wallet.FreeSignupMinutes = 30
	}
	if c.Wallet.MaxDebitSeconds == 0 {
		c.Wallet.MaxDebitSeconds = 3600
	}
	if c.Wallet.SyncInterval.Duration == 0 {
		c.Wallet.SyncInterval.Duration = 30 * time.Second
	}
	if c.Wallet.DebitsPerWindow == 0 {
		c.Wallet.DebitsPerWindow = 10
	}
	if c.Wallet.DebitWindow.Duration == 0 {
		c.Wallet.DebitWindow.Duration = 60 * time.Second
	}
	if c.Billing.ProMonthlyMinutes == 0 {
		c.Billing.ProMonthlyMinutes = 300
	}
	if c.Billing.ResetSchedule == "" {
		c.Billing.ResetSchedule = "10 4 * * *"
	}
	if c.Billing.ResetWindow.Duration == 0 {
		c.Billing.ResetWindow.Duration = 30 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
