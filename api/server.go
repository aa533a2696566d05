// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mockmate-ai/mockmate/auth"
	"github.com/mockmate-ai/mockmate/billing"
	"github.com/mockmate-ai/mockmate/config"
	"github.com/mockmate-ai/mockmate/session"
	"github.com/mockmate-ai/mockmate/store"
	"github.com/mockmate-ai/mockmate/wallet"
)

// Server is the HTTP API server.
type Server struct {
	store             store.Store
	authProvider      auth.Provider
	loginProvider     auth.LoginProvider
	wallet            *wallet.Service
	tracker           *session.Tracker
	billing           billing.Service // nil when billing is disabled
	plans             map[string]billing.PlanLimits
	logger            *slog.Logger
	mux               *chi.Mux
	startTime         time.Time
	maxBodyBytes      int64
	freeSignupMinutes int
	voiceSecret       string
	loginRL           *rateLimiter
	rl                *rateLimiter
}

// NewServer creates a new API server. bs may be nil when billing is disabled;
// the billing routes then report 404 (plans) or are simply absent.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, w *wallet.Service,
	tr *session.Tracker, bs billing.Service, cfg *config.Config, logger *slog.Logger) *Server {

	plans := billing.DefaultPlans()
	if p, ok := plans[billing.PlanPro]; ok && cfg.Billing.ProMonthlyMinutes > 0 {
		p.MonthlyMinutes = cfg.Billing.ProMonthlyMinutes
		plans[billing.PlanPro] = p
	}
	if p, ok := plans[billing.PlanFree]; ok && cfg.Wallet.FreeSignupMinutes > 0 {
		p.SignupMinutes = cfg.Wallet.FreeSignupMinutes
		plans[billing.PlanFree] = p
	}

	srv := &Server{
		store:             s,
		authProvider:      ap,
		loginProvider:     lp,
		wallet:            w,
		tracker:           tr,
		billing:           bs,
		plans:             plans,
		logger:            logger.With("component", "api"),
		startTime:         time.Now(),
		maxBodyBytes:      cfg.Server.MaxBodyBytes,
		freeSignupMinutes: cfg.Wallet.FreeSignupMinutes,
		voiceSecret:       cfg.Voice.WebhookSecret,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Plan catalog is public so the pricing page needs no session.
	mux.Get("/api/billing/plans", srv.handleListPlans)

	// Billing webhook — verified by provider signature, not bearer auth.
	if bs != nil {
		mux.Post("/api/billing/webhook", bs.HandleWebhook)
	}

	// Voice provider lifecycle events — verified by shared secret.
	if srv.voiceSecret != "" {
		mux.Post("/api/voice/events", srv.handleVoiceEvents)
	}

	// In-call timer stream (auth handled inside, via ?token=).
	mux.Get("/ws/call", srv.handleCallWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.ensureAccountMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/wallet", srv.handleGetWallet)
		r.Post("/api/calls/start", srv.handleStartCall)
		r.Post("/api/calls/end", srv.handleEndCall)

		if bs != nil {
			r.Post("/api/billing/create-checkout", srv.handleCreateCheckout)
			r.Post("/api/billing/create-portal", srv.handleCreatePortal)
			r.Get("/api/billing/subscription", srv.handleGetSubscription)
		}

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/billing-events", srv.handleListBillingEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// --- Wallet handlers ---

type walletResponse struct {
	WalletMinutes           int    `json:"wallet_minutes"`
	TotalSecondsUsed        int64  `json:"total_seconds_used"`
	Plan                    string `json:"plan"`
	SubscriptionStatus      string `json:"subscription_status"`
	MonthlyMinuteAllocation int    `json:"monthly_minute_allocation"`
	PaymentFailed           bool   `json:"payment_failed"`
	CallActive              bool   `json:"call_active"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	acct, err := s.wallet.Balance(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load wallet")
		return
	}

	_, active := s.tracker.Snapshot(identity.UserID)
	writeJSON(w, http.StatusOK, walletResponse{
		WalletMinutes:           acct.WalletMinutes,
		TotalSecondsUsed:        acct.TotalSecondsUsed,
		Plan:                    acct.Plan,
		SubscriptionStatus:      acct.SubscriptionStatus,
		MonthlyMinuteAllocation: acct.MonthlyMinuteAllocation,
		PaymentFailed:           acct.PaymentFailed,
		CallActive:              active,
	})
}

// --- Call handlers ---

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		CallID string `json:"call_id"`
	}
	// Body is optional; a missing call_id gets generated.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.CallID == "" {
		req.CallID = uuid.New().String()
	}

	err := s.tracker.Start(r.Context(), identity.UserID, req.CallID)
	switch {
	case errors.Is(err, session.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "wallet is empty")
		return
	case errors.Is(err, session.ErrCallActive):
		writeError(w, http.StatusConflict, "a call is already active")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to start call")
		return
	}

	snap, _ := s.tracker.Snapshot(identity.UserID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	err := s.tracker.End(r.Context(), identity.UserID)
	if errors.Is(err, session.ErrNoActiveCall) {
		writeError(w, http.StatusNotFound, "no active call")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to end call")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// --- Billing handlers ---

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	result := make([]billing.PlanLimits, 0, len(s.plans))
	for _, id := range []string{billing.PlanFree, billing.PlanPro} {
		if p, ok := s.plans[id]; ok {
			result = append(result, p)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), identity.UserID, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.logger.Error("checkout session failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	url, err := s.billing.CreatePortalSession(r.Context(), identity.UserID, req.ReturnURL)
	if err != nil {
		s.logger.Error("portal session failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	acct, err := s.store.GetAccount(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":                      acct.Plan,
		"status":                    acct.SubscriptionStatus,
		"monthly_minute_allocation": acct.MonthlyMinuteAllocation,
		"payment_failed":            acct.PaymentFailed,
		"has_billing_account":       acct.BillingCustomerRef != "",
	})
}

func (s *Server) handleListBillingEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListBillingEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list billing events")
		return
	}
	if events == nil {
		events = []store.BillingEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
