package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mockmate-ai/mockmate/auth"
	"github.com/mockmate-ai/mockmate/store"
)

type contextKey string

const identityKey contextKey = "identity"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenStr := authHeader[7:]
		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureAccountMiddleware provisions the wallet account on first authenticated
// request, seeded with the free signup minutes. With an external auth provider
// this is where local accounts come into existence.
func (s *Server) ensureAccountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}

		_, err := s.store.GetAccount(r.Context(), identity.UserID)
		if errors.Is(err, store.ErrNotFound) {
			now := time.Now()
			err = s.store.CreateAccount(r.Context(), &store.Account{
				UserID:             identity.UserID,
				WalletMinutes:      s.freeSignupMinutes,
				Plan:               "free",
				SubscriptionStatus: store.StatusFree,
				CreatedAt:          now,
				UpdatedAt:          now,
			})
			if err != nil {
				// A concurrent first request may have won the insert.
				if _, getErr := s.store.GetAccount(r.Context(), identity.UserID); getErr != nil {
					s.logger.Error("account provisioning failed", "user_id", identity.UserID, "error", err)
					writeError(w, http.StatusInternalServerError, "account provisioning failed")
					return
				}
			} else {
				s.logger.Info("account provisioned", "user_id", identity.UserID,
					"free_minutes", s.freeSignupMinutes)
			}
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "account lookup failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
