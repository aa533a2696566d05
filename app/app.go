// Package app is the main orchestrator that ties all service components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/mockmate-ai/mockmate/api"
	"github.com/mockmate-ai/mockmate/auth"
	"github.com/mockmate-ai/mockmate/billing"
	"github.com/mockmate-ai/mockmate/config"
	"github.com/mockmate-ai/mockmate/session"
	"github.com/mockmate-ai/mockmate/store"
	"github.com/mockmate-ai/mockmate/wallet"
)

// App is the main hub process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	limiter      wallet.Limiter
	wallet       *wallet.Service
	tracker      *session.Tracker
	resetter     *billing.Resetter // nil when billing is disabled
	api          *api.Server
	logger       *slog.Logger
}

// New creates the service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Debit rate limiter: Redis-backed when an address is configured so
	// multiple instances share the window, in-process otherwise.
	var limiter wallet.Limiter
	if cfg.Wallet.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Wallet.RedisAddr})
		limiter = wallet.NewRedisLimiter(client, cfg.Wallet.DebitsPerWindow, cfg.Wallet.DebitWindow.Duration, logger)
	} else {
		limiter = wallet.NewWindowLimiter(cfg.Wallet.DebitsPerWindow, cfg.Wallet.DebitWindow.Duration)
	}

	walletSvc := wallet.NewService(db, limiter, cfg.Wallet.MaxDebitSeconds, logger)
	tracker := session.NewTracker(walletSvc, cfg.Wallet.SyncInterval.Duration, logger)
	tracker.SetDepletionHandler(func(userID, callID string) {
		logger.Info("call force-ended on empty wallet", "user_id", userID, "call_id", callID)
	})

	// Billing is optional; without it the service runs free accounts only.
	var billingSvc billing.Service
	var resetter *billing.Resetter
	if cfg.Billing.Enabled {
		rec := billing.NewReconciler(db, cfg.Billing.ProMonthlyMinutes, logger)
		billingSvc = billing.NewStripeService(cfg.Billing, db, rec, logger)
		resetter = billing.NewResetter(db, cfg.Billing.ResetWindow.Duration, logger)
	}

	apiSrv := api.NewServer(db, authProvider, loginProvider, walletSvc, tracker, billingSvc, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		limiter:      limiter,
		wallet:       walletSvc,
		tracker:      tracker,
		resetter:     resetter,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if cfg.Voice.WebhookSecret == "" {
		logger.Warn("voice webhook secret not configured — call lifecycle events disabled")
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)
	if wl, ok := a.limiter.(*wallet.WindowLimiter); ok {
		wl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}

	// Schedule the monthly allocation sweep.
	var sched *cron.Cron
	if a.resetter != nil {
		sched = cron.New()
		_, err := sched.AddFunc(a.cfg.Billing.ResetSchedule, func() {
			if _, err := a.resetter.Run(ctx); err != nil {
				a.logger.Warn("allocation sweep failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule allocation sweep: %w", err)
		}
		sched.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("hub listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if sched != nil {
			<-sched.Stop().Done()
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		// Flush live calls so accrued seconds are billed before exit.
		a.tracker.Shutdown(shutdownCtx)

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		if sched != nil {
			sched.Stop()
		}
		a.tracker.Shutdown(context.Background())
		_ = a.store.Close()
		return err
	}
}
