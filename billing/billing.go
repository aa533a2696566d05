// Package billing translates external subscription-billing events into
// account state and manages checkout, portal, and monthly allocations.
package billing

import (
	"context"
	"net/http"
)

// Service handles billing operations (checkout, portal, webhooks).
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	CreateCheckoutSession(ctx context.Context, userID, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error)
}

// EventKind identifies a billing-provider event. The set is closed: the
// webhook dispatcher matches every kind listed here and acknowledges anything
// else without processing.
type EventKind string

const (
	EventCheckoutCompleted       EventKind = "checkout.session.completed"
	EventSubscriptionUpdated     EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted     EventKind = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded EventKind = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventKind = "invoice.payment_failed"
)

// Outcomes recorded in the billing event log.
const (
	OutcomeApplied = "applied" // state change committed
	OutcomeSkipped = "skipped" // valid event, no state change needed (idempotent replay)
	OutcomeDropped = "dropped" // no matching account; needs manual investigation
	OutcomeIgnored = "ignored" // event kind carries no local state
)
