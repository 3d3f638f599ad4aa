package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Reconciler is the single authority over the subscription-related fields of
// user entitlement records. It synchronizes two input streams - user-initiated
// plan change requests and asynchronous provider webhook events - into the
// UserStore, and appends completed transactions to the LedgerStore.
//
// Events are applied idempotently: billing period bounds are always re-derived
// from the provider's current subscription object at processing time, never
// from locally cached deltas, so out-of-order or redelivered events converge
// on the same state.
type Reconciler struct {
	plans      map[string]Plan
	byPrice    map[string]string // provider price ID -> plan ID
	freePlanID string
	users      UserStore
	ledger     LedgerStore
	gateway    ProviderGateway
	dedup      EventDedup
	alerter    Alerter
	log        *slog.Logger
	now        func() time.Time
	successURL string
	cancelURL  string
}

// ChangeResult is the outcome of a plan change request. CheckoutURL is set
// only when the user had no provider subscription and a hosted checkout
// session had to be created; the change itself is confirmed later by event.
type ChangeResult struct {
	User        User
	CheckoutURL string
}

// NewReconciler creates a Reconciler with the given dependencies.
// Panics if required collaborators are nil to fail fast during initialization.
func NewReconciler(ctx context.Context, src PlanSource, gateway ProviderGateway, users UserStore, ledger LedgerStore, opts ...Option) (*Reconciler, error) {
	if src == nil {
		panic("entitlement: PlanSource is required")
	}
	if gateway == nil {
		panic("entitlement: ProviderGateway is required")
	}
	if users == nil {
		panic("entitlement: UserStore is required")
	}
	if ledger == nil {
		panic("entitlement: LedgerStore is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if err := validatePlans(plans); err != nil {
		return nil, err
	}

	r := &Reconciler{
		plans:   plans,
		byPrice: make(map[string]string, len(plans)),
		users:   users,
		ledger:  ledger,
		gateway: gateway,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for id, plan := range plans {
		if plan.IsFree() {
			r.freePlanID = id
			continue
		}
		r.byPrice[plan.ProviderPriceID] = id
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Plan returns a catalog plan by ID.
func (r *Reconciler) Plan(planID string) (Plan, bool) {
	p, ok := r.plans[planID]
	return p, ok
}

// Plans returns the publicly listed plans sorted by ascending price.
func (r *Reconciler) Plans() []Plan {
	out := make([]Plan, 0, len(r.plans))
	for _, p := range r.plans {
		if p.Public {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.Amount < out[j].Price.Amount })
	return out
}

func (r *Reconciler) planByPriceID(priceID string) (Plan, bool) {
	id, ok := r.byPrice[priceID]
	if !ok {
		return Plan{}, false
	}
	return r.plans[id], true
}

func (r *Reconciler) freePlan() Plan {
	return r.plans[r.freePlanID]
}

// RequestUpgrade moves the user to a paid plan. With an active provider
// subscription the priced item is swapped (proration invoiced immediately,
// billing cycle re-anchored to now); without one, a hosted checkout session
// is created and its URL returned. Either way only the pending-change marker
// is written locally - the plan becomes current when the provider confirms
// via event.
func (r *Reconciler) RequestUpgrade(ctx context.Context, userID uuid.UUID, targetPlanID string) (*ChangeResult, error) {
	u, target, err := r.loadChangeTarget(ctx, userID, targetPlanID)
	if err != nil {
		return nil, err
	}
	if target.IsFree() {
		return nil, ErrFreePlanNotPurchasable
	}

	return r.initiatePaidChange(ctx, *u, target)
}

// RequestDowngrade moves the user to a cheaper plan. Downgrades are only
// accepted once the current billing period has elapsed, preventing mid-cycle
// entitlement loss. Downgrading to the free tier cancels the provider
// subscription and takes effect immediately; downgrading to a cheaper paid
// plan uses the same swap-and-reinvoice path as an upgrade.
func (r *Reconciler) RequestDowngrade(ctx context.Context, userID uuid.UUID, targetPlanID string) (*ChangeResult, error) {
	u, target, err := r.loadChangeTarget(ctx, userID, targetPlanID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if !u.PeriodElapsed(now) {
		return nil, ErrPeriodNotElapsed
	}

	if target.IsFree() {
		if u.HasProviderSubscription() {
			if err := r.gateway.CancelSubscription(ctx, u.ProviderSubID); err != nil {
				return nil, errors.Join(ErrProviderUnavailable, err)
			}
		}
		saved, err := r.saveWithRetry(ctx, *u, func(cur User) User {
			return cur.revoked(target.MonthlyPoints, r.now())
		})
		if err != nil {
			return nil, err
		}
		return &ChangeResult{User: saved}, nil
	}

	return r.initiatePaidChange(ctx, *u, target)
}

// RequestCancelPendingChange abandons a requested-but-unconfirmed plan
// change. A failed ledger entry records the abandoned request before the
// marker is cleared. Calling with no pending change is a no-op success.
func (r *Reconciler) RequestCancelPendingChange(ctx context.Context, userID uuid.UUID) (*User, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.RequestedPlanID == "" {
		return u, nil
	}

	now := r.now()
	var price Money
	if plan, ok := r.plans[u.RequestedPlanID]; ok {
		price = plan.Price
	}
	entry := newLedgerEntry(u.ID, u.RequestedPlanID, price, LedgerFailed, now)
	if err := r.ledger.Append(ctx, &entry); err != nil {
		return nil, fmt.Errorf("failed to record abandoned plan change: %w", err)
	}

	saved, err := r.saveWithRetry(ctx, *u, func(cur User) User {
		return cur.withoutPendingPlan(r.now())
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// loadChangeTarget resolves and validates the user and target plan shared by
// both change requests.
func (r *Reconciler) loadChangeTarget(ctx context.Context, userID uuid.UUID, targetPlanID string) (*User, Plan, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, Plan{}, err
	}

	target, ok := r.plans[targetPlanID]
	if !ok {
		return nil, Plan{}, ErrPlanNotFound
	}

	if target.ID == u.PlanID || (target.IsFree() && u.OnFreeTier()) {
		return nil, Plan{}, ErrAlreadyOnPlan
	}

	return u, target, nil
}

// initiatePaidChange performs the provider-side half of a paid plan change
// and records the pending marker. The local write happens strictly after the
// provider call succeeds, so a provider failure leaves no partial state.
func (r *Reconciler) initiatePaidChange(ctx context.Context, u User, target Plan) (*ChangeResult, error) {
	var checkoutURL string

	if u.HasProviderSubscription() {
		if _, err := r.gateway.SwapToPrice(ctx, u.ProviderSubID, target.ProviderPriceID); err != nil {
			return nil, errors.Join(ErrProviderUnavailable, err)
		}
	} else {
		session, err := r.gateway.CreateCheckoutSession(ctx, CheckoutParams{
			UserID:     u.ID,
			PlanID:     target.ID,
			PriceID:    target.ProviderPriceID,
			CustomerID: u.ProviderCustomerID,
			SuccessURL: r.successURL,
			CancelURL:  r.cancelURL,
		})
		if err != nil {
			return nil, errors.Join(ErrProviderUnavailable, err)
		}
		checkoutURL = session.URL
	}

	saved, err := r.saveWithRetry(ctx, u, func(cur User) User {
		return cur.withPendingPlan(target.ID, r.now())
	})
	if err != nil {
		return nil, err
	}

	return &ChangeResult{User: saved, CheckoutURL: checkoutURL}, nil
}

// HandleWebhook verifies and applies a raw provider webhook delivery.
// Signature failures wrap ErrSignatureVerification and nothing is processed.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := r.gateway.VerifyEvent(payload, signature)
	if err != nil {
		return err
	}
	return r.ApplyProviderEvent(ctx, event)
}

// ApplyProviderEvent applies one webhook event to the entitlement record it
// targets. Safe to invoke more than once per event (at-least-once delivery).
//
// Lookup misses (unknown user, customer, or plan) are logged and alerted but
// return nil: the webhook endpoint must still acknowledge receipt so the
// provider does not hammer us with redeliveries that can never succeed.
// Store and provider failures return an error so the delivery is retried.
func (r *Reconciler) ApplyProviderEvent(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case CheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, ev)
	case SubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, ev)
	case SubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, ev)
	case InvoicePaid:
		return r.applyInvoicePaid(ctx, ev)
	case UnknownEvent:
		r.log.DebugContext(ctx, "ignoring unrecognized provider event",
			slog.String("event_id", ev.ID), slog.String("event_type", ev.Type))
		return nil
	default:
		r.log.DebugContext(ctx, "ignoring unmapped provider event",
			slog.String("event_id", event.EventID()))
		return nil
	}
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	if ev.CustomerID == "" || ev.UserID == "" || ev.PlanID == "" {
		return fmt.Errorf("%w: checkout event requires customer, user, and plan metadata", ErrInvalidEvent)
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		return fmt.Errorf("%w: malformed user ID in checkout metadata: %w", ErrInvalidEvent, err)
	}

	u, err := r.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.integrityGap(ctx, "checkout completed for unknown user", map[string]any{
				"event_id": ev.ID, "user_id": ev.UserID, "customer_id": ev.CustomerID,
			})
			return nil
		}
		return err
	}

	sub, err := r.gateway.Subscription(ctx, ev.SubscriptionID)
	if err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}

	plan, ok := r.planByPriceID(sub.PriceID)
	if !ok {
		r.integrityGap(ctx, "checkout subscription price matches no plan", map[string]any{
			"event_id": ev.ID, "price_id": sub.PriceID, "user_id": ev.UserID,
		})
		return nil
	}

	if sub.CustomerID == "" {
		sub.CustomerID = ev.CustomerID
	}
	_, err = r.saveWithRetry(ctx, *u, func(cur User) User {
		return cur.activated(plan, *sub, r.now())
	})
	return err
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error {
	u, err := r.users.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.integrityGap(ctx, "subscription update for unknown customer", map[string]any{
				"event_id": ev.ID, "customer_id": ev.CustomerID, "reason": ErrUnknownCustomer.Error(),
			})
			return nil
		}
		return err
	}

	// Non-active statuses only mirror the status; plan and period stay put so
	// transient provider-side states (past_due) don't revoke entitlement.
	if ev.Status != StatusActive {
		_, err = r.saveWithRetry(ctx, *u, func(cur User) User {
			return cur.statusChanged(ev.Status, r.now())
		})
		return err
	}

	sub, err := r.gateway.Subscription(ctx, ev.SubscriptionID)
	if err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}

	plan, ok := r.planByPriceID(sub.PriceID)
	if !ok {
		r.integrityGap(ctx, "subscription price matches no plan", map[string]any{
			"event_id": ev.ID, "price_id": sub.PriceID, "customer_id": ev.CustomerID,
		})
		return nil
	}

	_, err = r.saveWithRetry(ctx, *u, func(cur User) User {
		return cur.activated(plan, *sub, r.now())
	})
	return err
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error {
	u, err := r.users.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.integrityGap(ctx, "subscription deletion for unknown customer", map[string]any{
				"event_id": ev.ID, "customer_id": ev.CustomerID,
			})
			return nil
		}
		return err
	}

	_, err = r.saveWithRetry(ctx, *u, func(cur User) User {
		return cur.revoked(r.freePlan().MonthlyPoints, r.now())
	})
	return err
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, ev InvoicePaid) error {
	// Non-subscription invoices (one-off charges) are not ours to handle.
	if ev.SubscriptionID == "" {
		return nil
	}

	u, err := r.users.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.integrityGap(ctx, "invoice paid for unknown customer", map[string]any{
				"event_id": ev.ID, "customer_id": ev.CustomerID,
			})
			return nil
		}
		return err
	}

	sub, err := r.gateway.Subscription(ctx, ev.SubscriptionID)
	if err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}

	plan, ok := r.planByPriceID(sub.PriceID)
	if !ok {
		r.integrityGap(ctx, "invoice subscription price matches no plan", map[string]any{
			"event_id": ev.ID, "price_id": sub.PriceID, "customer_id": ev.CustomerID,
		})
		return nil
	}

	saved, err := r.saveWithRetry(ctx, *u, func(cur User) User {
		return cur.activated(plan, *sub, r.now())
	})
	if err != nil {
		return err
	}

	// Rebinding above is idempotent; the ledger append is not. Dedup on the
	// provider's event ID keeps redeliveries from duplicating entries. When
	// the dedup store is down we append anyway: a duplicate history row beats
	// failing the webhook and triggering a redelivery storm.
	if r.dedup != nil {
		first, err := r.dedup.MarkProcessed(ctx, ev.ID)
		if err != nil {
			r.log.WarnContext(ctx, "event dedup unavailable, appending without idempotency guard",
				slog.String("event_id", ev.ID), slog.Any("error", err))
		} else if !first {
			return nil
		}
	}

	price := ev.AmountPaid
	if price.IsZero() {
		price = plan.Price
	}
	entry := newLedgerEntry(saved.ID, plan.ID, price, LedgerSucceeded, r.now())
	if err := r.ledger.Append(ctx, &entry); err != nil {
		return fmt.Errorf("failed to record paid invoice: %w", err)
	}
	return nil
}

// ConsumePoints charges usage points against the user's monthly allowance.
func (r *Reconciler) ConsumePoints(ctx context.Context, userID uuid.UUID, points int64) (*User, error) {
	if points <= 0 {
		return nil, fmt.Errorf("point count must be positive, got %d", points)
	}

	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	effective := *u
	if now.After(effective.PointsResetAt) {
		effective.PointsUsed = 0
	}
	if effective.PointsUsed+points > effective.MonthlyPoints {
		return nil, ErrPointsExhausted
	}

	saved, err := r.saveWithRetry(ctx, *u, func(cur User) User {
		return cur.withPointsConsumed(points, r.now())
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// BillingHistory returns the user's ledger entries, newest first.
func (r *Reconciler) BillingHistory(ctx context.Context, userID uuid.UUID) ([]LedgerEntry, error) {
	return r.ledger.ListByUser(ctx, userID, 100)
}

// CustomerPortal returns a provider-hosted portal URL for self-service
// subscription management. Requires an existing provider customer.
func (r *Reconciler) CustomerPortal(ctx context.Context, userID uuid.UUID, returnURL string) (string, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.ProviderCustomerID == "" {
		return "", ErrNoProviderCustomer
	}

	url, err := r.gateway.CreatePortalSession(ctx, u.ProviderCustomerID, returnURL)
	if err != nil {
		return "", errors.Join(ErrProviderUnavailable, err)
	}
	return url, nil
}

// saveWithRetry applies the mutation and saves under the optimistic version
// check, re-reading and re-applying once on a concurrent-write conflict.
// Mutations re-derive their output from the fresh snapshot, so a single retry
// is always safe.
func (r *Reconciler) saveWithRetry(ctx context.Context, u User, mutate func(User) User) (User, error) {
	next := mutate(u)
	err := r.users.Save(ctx, &next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return User{}, err
	}

	fresh, gerr := r.users.Get(ctx, u.ID)
	if gerr != nil {
		return User{}, errors.Join(err, gerr)
	}
	next = mutate(*fresh)
	if err := r.users.Save(ctx, &next); err != nil {
		return User{}, err
	}
	return next, nil
}

// integrityGap logs and alerts a webhook that referenced data we don't have.
// The event is acknowledged to the provider regardless; the alert is what
// gets a human looking at the gap.
func (r *Reconciler) integrityGap(ctx context.Context, subject string, details map[string]any) {
	attrs := make([]any, 0, len(details))
	for k, v := range details {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.log.WarnContext(ctx, subject, attrs...)

	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, subject, details); err != nil {
		r.log.ErrorContext(ctx, "failed to deliver integrity alert", slog.Any("error", err))
	}
}
