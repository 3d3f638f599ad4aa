package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderGateway is the minimal interface the reconciler needs from the
// payment provider. The provider's subscription object is the single source
// of truth: a successful outbound call here is never treated as confirmation
// of a plan change - confirmation always arrives as a later webhook event.
type ProviderGateway interface {
	// Subscription fetches the current authoritative subscription state.
	Subscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// SwapToPrice replaces the subscription's priced item with the given
	// provider price, invoicing the proration immediately and resetting the
	// billing-cycle anchor to now.
	SwapToPrice(ctx context.Context, subscriptionID, priceID string) (*ProviderSubscription, error)

	// CancelSubscription ends the subscription at the provider immediately.
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// CreateCheckoutSession creates a hosted checkout session for a user with
	// no existing subscription. User and plan identity travel in metadata so
	// the checkout-completed event can bind them back.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// CreatePortalSession returns a provider-hosted portal URL for
	// self-service payment-method and subscription management.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// VerifyEvent checks the webhook signature against the shared secret and
	// parses the payload into a normalized Event. Signature failures return
	// an error wrapping ErrSignatureVerification; no event is produced.
	VerifyEvent(payload []byte, signature string) (Event, error)
}

// ProviderSubscription is the reconciler's view of the provider's
// subscription object.
type ProviderSubscription struct {
	ID          string
	CustomerID  string
	ItemID      string
	PriceID     string
	Status      SubscriptionStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// CheckoutParams contains the data needed to create a hosted checkout session.
type CheckoutParams struct {
	UserID     uuid.UUID
	PlanID     string
	PriceID    string
	CustomerID string // existing provider customer, empty on first purchase
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a created hosted checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}
