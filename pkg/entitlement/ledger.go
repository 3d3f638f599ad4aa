package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is an immutable record of a completed or abandoned billing
// transaction. Entries are appended on successful invoice payment (succeeded)
// and when a pending plan change is abandoned (failed); they are never updated
// afterwards except a pending entry settling to a terminal status.
type LedgerEntry struct {
	ID        uuid.UUID    `json:"id" bson:"_id"`
	UserID    uuid.UUID    `json:"user_id" bson:"user_id"`
	PlanID    string       `json:"plan_id" bson:"plan_id"`
	Price     Money        `json:"price" bson:"price"`
	Status    LedgerStatus `json:"status" bson:"status"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
}

func newLedgerEntry(userID uuid.UUID, planID string, price Money, status LedgerStatus, now time.Time) LedgerEntry {
	return LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		PlanID:    planID,
		Price:     price,
		Status:    status,
		CreatedAt: now,
	}
}
