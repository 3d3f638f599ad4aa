package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// User is the per-user entitlement record: current plan, in-flight plan
// change, mirror of the provider's subscription state, and usage counters.
// An empty PlanID means the free/unentitled baseline.
//
// All mutation goes through the snapshot methods below, which return a new
// validated copy; the reconciler is the only writer of subscription fields.
type User struct {
	ID                 uuid.UUID          `json:"id" bson:"_id"`
	ProviderCustomerID string             `json:"provider_customer_id,omitempty" bson:"provider_customer_id,omitempty"`
	PlanID             string             `json:"plan_id,omitempty" bson:"plan_id,omitempty"`
	RequestedPlanID    string             `json:"requested_plan_id,omitempty" bson:"requested_plan_id,omitempty"`
	ProviderSubID      string             `json:"provider_sub_id,omitempty" bson:"provider_sub_id,omitempty"`
	SubStatus          SubscriptionStatus `json:"sub_status,omitempty" bson:"sub_status,omitempty"`
	PeriodStart        *time.Time         `json:"period_start,omitempty" bson:"period_start,omitempty"`
	PeriodEnd          *time.Time         `json:"period_end,omitempty" bson:"period_end,omitempty"`
	PointsUsed         int64              `json:"points_used" bson:"points_used"`
	MonthlyPoints      int64              `json:"monthly_points" bson:"monthly_points"`
	PointsResetAt      time.Time          `json:"points_reset_at" bson:"points_reset_at"`
	Version            int64              `json:"-" bson:"version"`
	CreatedAt          time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" bson:"updated_at"`
}

// NewUser returns the free-tier baseline record created at signup.
func NewUser(id uuid.UUID, freePoints int64, now time.Time) User {
	return User{
		ID:            id,
		MonthlyPoints: freePoints,
		PointsResetAt: now.AddDate(0, 1, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// OnFreeTier reports whether the user has no current paid plan.
func (u User) OnFreeTier() bool {
	return u.PlanID == ""
}

// HasProviderSubscription reports whether a provider-side subscription is bound.
func (u User) HasProviderSubscription() bool {
	return u.ProviderSubID != ""
}

// PeriodElapsed reports whether the current billing period has already ended.
// A user with no period bounds (free tier) counts as elapsed.
func (u User) PeriodElapsed(now time.Time) bool {
	return u.PeriodEnd == nil || u.PeriodEnd.Before(now)
}

// PointsRemaining returns the unused allowance for the current period.
func (u User) PointsRemaining() int64 {
	if r := u.MonthlyPoints - u.PointsUsed; r > 0 {
		return r
	}
	return 0
}

// activated binds a confirmed provider subscription: the plan becomes current,
// period bounds come from the provider, usage counters reset, and any pending
// change is cleared. Used for both initial checkout and renewal rebinds.
func (u User) activated(plan Plan, sub ProviderSubscription, now time.Time) User {
	u.PlanID = plan.ID
	u.RequestedPlanID = ""
	u.ProviderSubID = sub.ID
	if sub.CustomerID != "" {
		u.ProviderCustomerID = sub.CustomerID
	}
	u.SubStatus = sub.Status
	periodStart, periodEnd := sub.PeriodStart, sub.PeriodEnd
	u.PeriodStart = &periodStart
	u.PeriodEnd = &periodEnd
	u.PointsUsed = 0
	u.MonthlyPoints = plan.MonthlyPoints
	u.PointsResetAt = now.AddDate(0, 1, 0)
	u.UpdatedAt = now
	return u
}

// statusChanged mirrors a provider status transition without touching plan or
// period. This is what keeps entitlement intact through transient states like
// past_due.
func (u User) statusChanged(status SubscriptionStatus, now time.Time) User {
	u.SubStatus = status
	u.UpdatedAt = now
	return u
}

// revoked reverts the user to the free baseline: subscription, plan, period
// bounds, usage, and pending change all cleared. The reset date still advances
// to keep a consistent future reset cadence.
func (u User) revoked(freePoints int64, now time.Time) User {
	u.PlanID = ""
	u.RequestedPlanID = ""
	u.ProviderSubID = ""
	u.SubStatus = StatusCanceled
	u.PeriodStart = nil
	u.PeriodEnd = nil
	u.PointsUsed = 0
	u.MonthlyPoints = freePoints
	u.PointsResetAt = now.AddDate(0, 1, 0)
	u.UpdatedAt = now
	return u
}

// withPendingPlan records a user-requested change awaiting provider
// confirmation.
func (u User) withPendingPlan(planID string, now time.Time) User {
	u.RequestedPlanID = planID
	u.UpdatedAt = now
	return u
}

// withoutPendingPlan clears an abandoned or confirmed change request.
func (u User) withoutPendingPlan(now time.Time) User {
	u.RequestedPlanID = ""
	u.UpdatedAt = now
	return u
}

// withPointsConsumed adds usage, rolling the counter window forward first if
// the scheduled reset date has passed.
func (u User) withPointsConsumed(points int64, now time.Time) User {
	if now.After(u.PointsResetAt) {
		u.PointsUsed = 0
		u.PointsResetAt = now.AddDate(0, 1, 0)
	}
	u.PointsUsed += points
	u.UpdatedAt = now
	return u
}
