package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mockmate-ai/mockmate/config"
	"github.com/mockmate-ai/mockmate/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// StripeService implements Service against Stripe. Webhook signatures are
// verified with the endpoint secret; checkout and portal sessions are created
// through the Stripe API using the configured secret key.
type StripeService struct {
	cfg        config.BillingConfig
	store      store.Store
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewStripeService wires the Stripe client key and returns the billing service.
func NewStripeService(cfg config.BillingConfig, s store.Store, rec *Reconciler, logger *slog.Logger) *StripeService {
	stripelib.Key = strings.TrimSpace(cfg.StripeSecretKey)
	return &StripeService{
		cfg:        cfg,
		store:      s,
		reconciler: rec,
		logger:     logger.With("component", "billing"),
	}
}

// checkoutPayload is the minimal slice of a checkout.session.completed event.
type checkoutPayload struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
}

// subscriptionPayload is the minimal slice of a customer.subscription.* event.
type subscriptionPayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// invoicePayload is the minimal slice of an invoice.* event.
type invoicePayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// HandleWebhook verifies the Stripe signature and dispatches the event to the
// reconciler. Handler errors become a 500 so Stripe redelivers; everything the
// reconciler absorbs (unknown accounts, unhandled kinds) is acknowledged with
// 200 to stop redelivery.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if strings.TrimSpace(s.cfg.StripeWebhookSecret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid Stripe signature"})
		return
	}

	if err := s.dispatch(r.Context(), &event); err != nil {
		s.logger.Error("webhook processing failed", "event_id", event.ID,
			"type", string(event.Type), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// dispatch routes the verified event by kind. Each known kind decodes its
// minimal payload; anything else is acknowledged and logged.
func (s *StripeService) dispatch(ctx context.Context, event *stripelib.Event) error {
	switch EventKind(event.Type) {
	case EventCheckoutCompleted:
		var p checkoutPayload
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.reconciler.HandleCheckoutCompleted(ctx, CheckoutCompleted{
			EventID:         event.ID,
			UserID:          strings.TrimSpace(p.ClientReferenceID),
			CustomerRef:     p.Customer,
			SubscriptionRef: p.Subscription,
		})

	case EventSubscriptionUpdated:
		var p subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.reconciler.HandleSubscriptionUpdated(ctx, SubscriptionChange{
			EventID:         event.ID,
			CustomerRef:     p.Customer,
			SubscriptionRef: p.ID,
			ProviderStatus:  p.Status,
		})

	case EventSubscriptionDeleted:
		var p subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.reconciler.HandleSubscriptionDeleted(ctx, SubscriptionChange{
			EventID:         event.ID,
			CustomerRef:     p.Customer,
			SubscriptionRef: p.ID,
			ProviderStatus:  p.Status,
		})

	case EventInvoicePaymentSucceeded:
		var p invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.reconciler.HandleInvoicePaymentSucceeded(ctx, InvoiceEvent{
			EventID:     event.ID,
			CustomerRef: p.Customer,
		})

	case EventInvoicePaymentFailed:
		var p invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.reconciler.HandleInvoicePaymentFailed(ctx, InvoiceEvent{
			EventID:     event.ID,
			CustomerRef: p.Customer,
		})

	default:
		s.logger.Info("webhook ignored", "type", string(event.Type), "event_id", event.ID)
		return nil
	}
}

// CreateCheckoutSession starts a hosted subscription checkout for the pro plan
// and returns the redirect URL. The local user ID travels in the session's
// client reference so the completion webhook can resolve the account.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, successURL, cancelURL string) (string, error) {
	if strings.TrimSpace(s.cfg.StripeSecretKey) == "" {
		return "", errors.New("stripe secret key not configured")
	}
	priceID := strings.TrimSpace(s.cfg.StripePricePro)
	if priceID == "" {
		return "", errors.New("pro price id not configured")
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL:        stripelib.String(successURL),
		CancelURL:         stripelib.String(cancelURL),
		ClientReferenceID: stripelib.String(userID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
	}
	params.Context = ctx

	// Reuse the existing customer so repeat checkouts don't fork billing
	// histories.
	acct, err := s.store.GetAccount(ctx, userID)
	if err == nil && acct.BillingCustomerRef != "" {
		params.Customer = stripelib.String(acct.BillingCustomerRef)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", errors.New("stripe returned empty checkout URL")
	}

	s.logger.Info("checkout session created", "user_id", userID, "session_id", sess.ID)
	return strings.TrimSpace(sess.URL), nil
}

// CreatePortalSession opens the customer billing portal for subscription
// management and returns the redirect URL.
func (s *StripeService) CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	if strings.TrimSpace(s.cfg.StripeSecretKey) == "" {
		return "", errors.New("stripe secret key not configured")
	}

	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if acct.BillingCustomerRef == "" {
		return "", errors.New("no billing customer for this account")
	}

	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(acct.BillingCustomerRef),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}

	s.logger.Info("portal session created", "user_id", userID)
	return sess.URL, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
