package entitlement

import (
	"context"

	"github.com/google/uuid"
)

// UserStore defines persistence for user entitlement records.
type UserStore interface {
	// Get retrieves a record by internal user ID.
	// Returns ErrUserNotFound if no record exists.
	Get(ctx context.Context, id uuid.UUID) (*User, error)

	// GetByCustomerID retrieves a record by the provider's customer ID.
	// Returns ErrUserNotFound if no record exists.
	GetByCustomerID(ctx context.Context, customerID string) (*User, error)

	// Save upserts the record with an optimistic version check: the write
	// only succeeds when the stored Version matches the snapshot's, and the
	// version is incremented on success. A stale snapshot returns
	// ErrVersionConflict so the caller can re-read and retry.
	Save(ctx context.Context, u *User) error
}

// LedgerStore defines persistence for the append-only plan history ledger.
type LedgerStore interface {
	Append(ctx context.Context, entry *LedgerEntry) error

	// ListByUser returns entries in reverse-chronological order, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int64) ([]LedgerEntry, error)
}

// EventDedup marks provider event IDs as processed. MarkProcessed returns
// whether this call was the first to claim the ID; redelivered events get
// false and skip their non-idempotent side effects (ledger appends).
type EventDedup interface {
	MarkProcessed(ctx context.Context, eventID string) (first bool, err error)
}

// Alerter receives data-integrity alerts: webhook events that referenced an
// unknown user, customer, or plan and were acknowledged to the provider
// without being applied.
type Alerter interface {
	Alert(ctx context.Context, subject string, details map[string]any) error
}
