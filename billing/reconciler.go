package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mockmate-ai/mockmate/store"
)

// CheckoutCompleted is the decoded payload of a completed hosted checkout.
// The target account resolves by the embedded local user reference, never by
// the provider customer id: the customer may not exist locally yet.
type CheckoutCompleted struct {
	EventID         string
	UserID          string
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionChange is the decoded payload of a subscription update or
// deletion, keyed by the provider customer reference.
type SubscriptionChange struct {
	EventID         string
	CustomerRef     string
	SubscriptionRef string
	ProviderStatus  string
}

// InvoiceEvent is the decoded payload of an invoice lifecycle event.
type InvoiceEvent struct {
	EventID     string
	CustomerRef string
}

// Reconciler applies billing-provider events to account state. Delivery is
// at-least-once and unordered, so every handler is idempotent: plain field
// writes replay harmlessly, and the once-per-calendar-month guard on
// last_upgrade_bonus makes allocation grants replay-safe.
type Reconciler struct {
	store      store.Store
	proMinutes int
	logger     *slog.Logger
}

// NewReconciler creates a reconciler granting proMinutes per monthly allocation.
func NewReconciler(s store.Store, proMinutes int, logger *slog.Logger) *Reconciler {
	if proMinutes <= 0 {
		proMinutes = DefaultPlans()[PlanPro].MonthlyMinutes
	}
	return &Reconciler{
		store:      s,
		proMinutes: proMinutes,
		logger:     logger.With("component", "reconciler"),
	}
}

// sameCalendarMonth reports whether both times fall in the same year+month.
// This is the anti-gaming guard granularity: repeated cancel/resubscribe
// within one month yields at most one allocation bonus.
func sameCalendarMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// MapProviderStatus maps the provider's subscription status vocabulary to the
// local enum.
func MapProviderStatus(s string) string {
	switch s {
	case "active":
		return store.StatusActive
	case "trialing":
		return store.StatusTrialing
	case "past_due":
		return store.StatusPastDue
	case "canceled", "unpaid":
		return store.StatusCanceled
	default:
		return store.StatusFree
	}
}

// HandleCheckoutCompleted activates the subscription and grants the monthly
// allocation, at most once per calendar month.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	if ev.UserID == "" {
		r.logger.Error("checkout event without user reference", "event_id", ev.EventID)
		r.record(ctx, ev.EventID, EventCheckoutCompleted, "", ev.CustomerRef, OutcomeDropped)
		return nil
	}

	now := time.Now()
	granted := false
	err := r.store.UpdateAccount(ctx, ev.UserID, func(a *store.Account) error {
		a.Plan = PlanPro
		a.SubscriptionStatus = store.StatusActive
		a.MonthlyMinuteAllocation = r.proMinutes
		a.BillingCustomerRef = ev.CustomerRef
		a.BillingSubscriptionRef = ev.SubscriptionRef
		a.PaymentFailed = false

		if a.LastUpgradeBonus.IsZero() || !sameCalendarMonth(a.LastUpgradeBonus, now) {
			a.WalletMinutes = r.proMinutes
			a.LastMonthlyReset = now
			a.LastUpgradeBonus = now
			granted = true
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// No local account to credit; the event cannot self-heal. Drop it and
		// leave a trail for manual replay.
		r.logger.Error("checkout for unknown account", "event_id", ev.EventID, "user_id", ev.UserID)
		r.record(ctx, ev.EventID, EventCheckoutCompleted, ev.UserID, ev.CustomerRef, OutcomeDropped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply checkout %s: %w", ev.EventID, err)
	}

	outcome := OutcomeSkipped
	if granted {
		outcome = OutcomeApplied
	}
	r.logger.Info("checkout completed", "event_id", ev.EventID, "user_id", ev.UserID,
		"bonus_granted", granted)
	r.record(ctx, ev.EventID, EventCheckoutCompleted, ev.UserID, ev.CustomerRef, outcome)
	return nil
}

// HandleSubscriptionUpdated maps the provider status onto the account. A
// transition to active tops the wallet up to the allocation, under the same
// monthly guard as checkout.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionChange) error {
	acct, err := r.store.GetAccountByCustomerRef(ctx, ev.CustomerRef)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Error("subscription update for unknown customer", "event_id", ev.EventID,
			"customer_ref", ev.CustomerRef)
		r.record(ctx, ev.EventID, EventSubscriptionUpdated, "", ev.CustomerRef, OutcomeDropped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", ev.CustomerRef, err)
	}

	mapped := MapProviderStatus(ev.ProviderStatus)
	now := time.Now()
	granted := false
	err = r.store.UpdateAccount(ctx, acct.UserID, func(a *store.Account) error {
		a.SubscriptionStatus = mapped
		if ev.SubscriptionRef != "" {
			a.BillingSubscriptionRef = ev.SubscriptionRef
		}
		if mapped == store.StatusActive {
			a.Plan = PlanPro
			if a.MonthlyMinuteAllocation == 0 {
				a.MonthlyMinuteAllocation = r.proMinutes
			}
			if a.LastUpgradeBonus.IsZero() || !sameCalendarMonth(a.LastUpgradeBonus, now) {
				a.WalletMinutes = a.MonthlyMinuteAllocation
				a.LastMonthlyReset = now
				a.LastUpgradeBonus = now
				granted = true
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply subscription update %s: %w", ev.EventID, err)
	}

	outcome := OutcomeSkipped
	if granted {
		outcome = OutcomeApplied
	}
	r.logger.Info("subscription updated", "event_id", ev.EventID, "user_id", acct.UserID,
		"status", mapped, "bonus_granted", granted)
	r.record(ctx, ev.EventID, EventSubscriptionUpdated, acct.UserID, ev.CustomerRef, outcome)
	return nil
}

// HandleSubscriptionDeleted cancels the subscription. Residual minutes stay
// with the user; only the retired legacy-unlimited sentinel collapses to zero.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionChange) error {
	acct, err := r.store.GetAccountByCustomerRef(ctx, ev.CustomerRef)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Error("subscription delete for unknown customer", "event_id", ev.EventID,
			"customer_ref", ev.CustomerRef)
		r.record(ctx, ev.EventID, EventSubscriptionDeleted, "", ev.CustomerRef, OutcomeDropped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", ev.CustomerRef, err)
	}

	err = r.store.UpdateAccount(ctx, acct.UserID, func(a *store.Account) error {
		a.SubscriptionStatus = store.StatusCanceled
		a.BillingSubscriptionRef = ""
		if a.WalletMinutes == store.LegacyUnlimited {
			a.WalletMinutes = 0
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply subscription delete %s: %w", ev.EventID, err)
	}

	r.logger.Info("subscription deleted", "event_id", ev.EventID, "user_id", acct.UserID)
	r.record(ctx, ev.EventID, EventSubscriptionDeleted, acct.UserID, ev.CustomerRef, OutcomeApplied)
	return nil
}

// HandleInvoicePaymentFailed flags the account for the user-facing payment
// warning. No balance change.
func (r *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, ev InvoiceEvent) error {
	acct, err := r.store.GetAccountByCustomerRef(ctx, ev.CustomerRef)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Error("invoice failure for unknown customer", "event_id", ev.EventID,
			"customer_ref", ev.CustomerRef)
		r.record(ctx, ev.EventID, EventInvoicePaymentFailed, "", ev.CustomerRef, OutcomeDropped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", ev.CustomerRef, err)
	}

	err = r.store.UpdateAccount(ctx, acct.UserID, func(a *store.Account) error {
		a.PaymentFailed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply invoice failure %s: %w", ev.EventID, err)
	}

	r.logger.Warn("invoice payment failed", "event_id", ev.EventID, "user_id", acct.UserID)
	r.record(ctx, ev.EventID, EventInvoicePaymentFailed, acct.UserID, ev.CustomerRef, OutcomeApplied)
	return nil
}

// HandleInvoicePaymentSucceeded acknowledges the event. Receipt hooks live
// upstream; no local balance mutation happens here.
func (r *Reconciler) HandleInvoicePaymentSucceeded(ctx context.Context, ev InvoiceEvent) error {
	r.logger.Info("invoice payment succeeded", "event_id", ev.EventID, "customer_ref", ev.CustomerRef)
	r.record(ctx, ev.EventID, EventInvoicePaymentSucceeded, "", ev.CustomerRef, OutcomeIgnored)
	return nil
}

// record appends to the billing event log. Log failures are non-fatal: the
// event already applied, and redelivery is idempotent.
func (r *Reconciler) record(ctx context.Context, eventID string, kind EventKind, userID, customerRef, outcome string) {
	detail, _ := json.Marshal(map[string]string{"outcome": outcome})
	err := r.store.LogBillingEvent(ctx, &store.BillingEvent{
		ID:          uuid.New().String(),
		EventID:     eventID,
		Kind:        string(kind),
		UserID:      userID,
		CustomerRef: customerRef,
		Outcome:     outcome,
		Detail:      detail,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to record billing event", "event_id", eventID, "error", err)
	}
}
