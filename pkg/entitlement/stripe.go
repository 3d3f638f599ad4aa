package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds the Stripe API credentials.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// Checkout session metadata keys binding provider objects back to our records.
const (
	metadataUserID = "user_id"
	metadataPlanID = "plan_id"
)

// StripeGateway implements ProviderGateway on top of the Stripe API.
type StripeGateway struct {
	client        *stripe.Client
	webhookSecret string
}

// NewStripeGateway creates a gateway bound to the given Stripe credentials.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	return &StripeGateway{
		client:        stripe.NewClient(cfg.APIKey),
		webhookSecret: cfg.WebhookSecret,
	}
}

// Subscription fetches the subscription and normalizes the fields the
// reconciler cares about. Period bounds live on the priced item.
func (g *StripeGateway) Subscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}
	return normalizeSubscription(sub)
}

// SwapToPrice replaces the subscription's single priced item, invoicing the
// proration immediately and restarting the billing cycle at the swap.
func (g *StripeGateway) SwapToPrice(ctx context.Context, subscriptionID, priceID string) (*ProviderSubscription, error) {
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no priced items", subscriptionID)
	}

	updated, err := g.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{{
			ID:    stripe.String(sub.Items.Data[0].ID),
			Price: stripe.String(priceID),
		}},
		ProrationBehavior:     stripe.String("always_invoice"),
		BillingCycleAnchorNow: stripe.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to swap subscription %s to price %s: %w", subscriptionID, priceID, err)
	}
	return normalizeSubscription(updated)
}

// CancelSubscription ends the subscription immediately.
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := g.client.V1Subscriptions.Cancel(ctx, subscriptionID, nil); err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// CreateCheckoutSession creates a hosted checkout session in subscription
// mode. User and plan identity go into session metadata so the completion
// event can bind the resulting subscription to our records.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	metadata := map[string]string{
		metadataUserID: params.UserID.String(),
		metadataPlanID: params.PlanID,
	}
	createParams := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			Price:    stripe.String(params.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID.String()),
		Metadata:          metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if params.CustomerID != "" {
		createParams.Customer = stripe.String(params.CustomerID)
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, createParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession returns a billing-portal URL for the customer.
func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	session, err := g.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create billing portal session: %w", err)
	}
	return session.URL, nil
}

// VerifyEvent checks the Stripe-Signature header against the endpoint secret
// and maps the event into the normalized union. Payload fields are decoded
// from the raw event JSON rather than the SDK's typed structs, so Stripe API
// version drift in unrelated fields cannot break parsing.
func (g *StripeGateway) VerifyEvent(payload []byte, signature string) (Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, errors.Join(ErrSignatureVerification, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session struct {
			ID           string            `json:"id"`
			Customer     string            `json:"customer"`
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: malformed checkout session payload: %w", ErrInvalidEvent, err)
		}
		return CheckoutCompleted{
			ID:             event.ID,
			CustomerID:     session.Customer,
			UserID:         session.Metadata[metadataUserID],
			PlanID:         session.Metadata[metadataPlanID],
			SubscriptionID: session.Subscription,
		}, nil

	case "customer.subscription.updated":
		sub, err := decodeEventSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionUpdated{
			ID:             event.ID,
			CustomerID:     sub.Customer,
			SubscriptionID: sub.ID,
			Status:         SubscriptionStatus(sub.Status),
			PriceID:        sub.priceID(),
		}, nil

	case "customer.subscription.deleted":
		sub, err := decodeEventSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{
			ID:             event.ID,
			CustomerID:     sub.Customer,
			SubscriptionID: sub.ID,
		}, nil

	case "invoice.payment_succeeded":
		var invoice struct {
			Customer     string `json:"customer"`
			Subscription string `json:"subscription"`
			AmountPaid   int64  `json:"amount_paid"`
			Currency     string `json:"currency"`
			Parent       struct {
				SubscriptionDetails struct {
					Subscription string `json:"subscription"`
				} `json:"subscription_details"`
			} `json:"parent"`
		}
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: malformed invoice payload: %w", ErrInvalidEvent, err)
		}
		// Newer API versions nest the subscription reference under parent.
		subscriptionID := invoice.Subscription
		if subscriptionID == "" {
			subscriptionID = invoice.Parent.SubscriptionDetails.Subscription
		}
		return InvoicePaid{
			ID:             event.ID,
			CustomerID:     invoice.Customer,
			SubscriptionID: subscriptionID,
			AmountPaid:     Money{Amount: invoice.AmountPaid, Currency: invoice.Currency},
		}, nil

	default:
		return UnknownEvent{ID: event.ID, Type: string(event.Type)}, nil
	}
}

type eventSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s eventSubscription) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

func decodeEventSubscription(raw json.RawMessage) (*eventSubscription, error) {
	var sub eventSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: malformed subscription payload: %w", ErrInvalidEvent, err)
	}
	return &sub, nil
}

func normalizeSubscription(sub *stripe.Subscription) (*ProviderSubscription, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no priced items", sub.ID)
	}
	item := sub.Items.Data[0]

	norm := &ProviderSubscription{
		ID:          sub.ID,
		ItemID:      item.ID,
		Status:      SubscriptionStatus(sub.Status),
		PeriodStart: time.Unix(item.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(item.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.Customer != nil {
		norm.CustomerID = sub.Customer.ID
	}
	if item.Price != nil {
		norm.PriceID = item.Price.ID
	}
	return norm, nil
}
