package entitlement

// Event is the normalized provider webhook event. It is a closed union: the
// reconciler dispatches over the concrete variants below, so a newly mapped
// provider event is a visible gap in the type switch, not a silently dropped
// string case.
type Event interface {
	// EventID returns the provider's unique delivery identifier,
	// used for idempotent processing.
	EventID() string
	isEvent()
}

// CheckoutCompleted fires when a hosted checkout session finishes. The user
// and plan identifiers travel in session metadata set at checkout creation;
// their absence is a hard validation failure, not a retryable condition.
type CheckoutCompleted struct {
	ID             string
	CustomerID     string
	UserID         string
	PlanID         string
	SubscriptionID string
}

// SubscriptionUpdated mirrors any provider-side change to the subscription
// object: plan swaps confirming, status transitions, period rollovers.
type SubscriptionUpdated struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         SubscriptionStatus
	PriceID        string
}

// SubscriptionDeleted fires when the provider subscription ends for good.
type SubscriptionDeleted struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// InvoicePaid fires on every successful charge, including each recurring
// renewal. Invoices without a subscription reference are not ours to handle.
type InvoicePaid struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     Money
}

// UnknownEvent carries any provider event type the gateway does not map.
// Acknowledged and ignored for forward compatibility.
type UnknownEvent struct {
	ID   string
	Type string
}

func (e CheckoutCompleted) EventID() string   { return e.ID }
func (e SubscriptionUpdated) EventID() string { return e.ID }
func (e SubscriptionDeleted) EventID() string { return e.ID }
func (e InvoicePaid) EventID() string         { return e.ID }
func (e UnknownEvent) EventID() string        { return e.ID }

func (CheckoutCompleted) isEvent()   {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (InvoicePaid) isEvent()         {}
func (UnknownEvent) isEvent()        {}
