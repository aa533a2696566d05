package auth

import (
	"fmt"

	"github.com/mockmate-ai/mockmate/config"
	"github.com/mockmate-ai/mockmate/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "clerk":
		return NewClerkProvider(cfg.ClerkIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
