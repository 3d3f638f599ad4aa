package entitlement

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount" bson:"amount"`
	Currency string `json:"currency" bson:"currency"`
}

// IsZero reports whether the amount is zero regardless of currency.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// SubscriptionStatus mirrors the payment provider's subscription status enum.
// Unknown provider statuses are carried through as-is rather than rejected.
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = ""
	StatusActive     SubscriptionStatus = "active"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusUnpaid     SubscriptionStatus = "unpaid"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// LedgerStatus is the terminal state of a billing ledger entry.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerSucceeded LedgerStatus = "succeeded"
	LedgerFailed    LedgerStatus = "failed"
)
