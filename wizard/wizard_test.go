package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mockmate-ai/mockmate/config"
)

func scriptedPrompter(lines ...string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	return &Prompter{In: in, Out: out}, out
}

func TestRunWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mockmate.json")

	// Accept every default except the admin password and wallet minutes.
	p, out := scriptedPrompter(
		"",          // listen address -> :8080
		"",          // auth provider -> builtin
		"",          // admin username -> admin
		"hunter2au", // admin password
		"",          // storage driver -> sqlite
		"",          // sqlite path -> mockmate.db
		"45",        // free signup minutes
		"",          // enable billing? -> no
	)

	if err := New(p).Run(path); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr: %q", cfg.Server.Addr)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" ||
		cfg.Auth.InitialAdmin.Password != "hunter2au" {
		t.Errorf("InitialAdmin: %+v", cfg.Auth.InitialAdmin)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("JWT secret length: %d", len(cfg.Auth.JWTSecret))
	}
	if cfg.Wallet.FreeSignupMinutes != 45 {
		t.Errorf("FreeSignupMinutes: %d", cfg.Wallet.FreeSignupMinutes)
	}
	if cfg.Billing.Enabled {
		t.Error("billing enabled without being asked for")
	}
	if len(cfg.Voice.WebhookSecret) != 64 {
		t.Errorf("voice webhook secret length: %d", len(cfg.Voice.WebhookSecret))
	}
	// The voice secret must be surfaced so it can be pasted into the provider.
	if !strings.Contains(out.String(), cfg.Voice.WebhookSecret) {
		t.Error("voice webhook secret not printed")
	}
}

func TestRunDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mockmate.json")
	t.Setenv("MOCKMATE_ADDR", ":9090")
	t.Setenv("MOCKMATE_ADMIN_USER", "ops")
	t.Setenv("MOCKMATE_ADMIN_PASSWORD", "super-secret-pw")

	p, _ := scriptedPrompter()
	if err := New(p).RunDefaults(path); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr: %q", cfg.Server.Addr)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "ops" ||
		cfg.Auth.InitialAdmin.Password != "super-secret-pw" {
		t.Errorf("InitialAdmin: %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Driver: %q", cfg.Storage.Driver)
	}
	if len(cfg.Auth.JWTSecret) != 64 || len(cfg.Voice.WebhookSecret) != 64 {
		t.Error("secrets not auto-generated")
	}
}

func TestRunDefaultsPostgresRequiresDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mockmate.json")
	t.Setenv("MOCKMATE_STORAGE_DRIVER", "postgres")
	t.Setenv("MOCKMATE_STORAGE_DSN", "")

	p, _ := scriptedPrompter()
	if err := New(p).RunDefaults(path); err == nil {
		t.Error("postgres without DSN accepted")
	}
}

func TestPrompterHelpers(t *testing.T) {
	p, _ := scriptedPrompter(
		"",       // Ask -> default
		"custom", // Ask -> typed
		"nope",   // AskInt -> invalid, reprompts
		"7",      // AskInt -> valid
		"2",      // Choose -> second option
		"y",      // Confirm -> yes
		"",       // Confirm -> default no
	)

	if got := p.Ask("q", "dflt"); got != "dflt" {
		t.Errorf("Ask default: %q", got)
	}
	if got := p.Ask("q", "dflt"); got != "custom" {
		t.Errorf("Ask typed: %q", got)
	}
	if got := p.AskInt("q", 3); got != 7 {
		t.Errorf("AskInt: %d", got)
	}
	if got := p.Choose("q", []string{"a", "b"}, 0); got != "b" {
		t.Errorf("Choose: %q", got)
	}
	if !p.Confirm("q", false) {
		t.Error("Confirm yes")
	}
	if p.Confirm("q", false) {
		t.Error("Confirm default no")
	}
}
