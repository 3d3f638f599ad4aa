package entitlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/billing/pkg/entitlement"
)

func activeSub(priceID string) *entitlement.ProviderSubscription {
	return &entitlement.ProviderSubscription{
		ID:          "sub_123",
		CustomerID:  "cus_123",
		ItemID:      "si_1",
		PriceID:     priceID,
		Status:      entitlement.StatusActive,
		PeriodStart: testNow,
		PeriodEnd:   testNow.AddDate(0, 1, 0),
	}
}

func TestApplyCheckoutCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("binds subscription and activates plan", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("Get", mock.Anything, userID).Return(freeUser(userID), nil)
		env.gateway.On("Subscription", mock.Anything, "sub_123").Return(activeSub("price_basic"), nil)

		var saved entitlement.User
		captureSave(env.users, &saved)

		err := env.rec.ApplyProviderEvent(ctx, entitlement.CheckoutCompleted{
			ID:             "evt_1",
			CustomerID:     "cus_123",
			UserID:         userID.String(),
			PlanID:         "basic",
			SubscriptionID: "sub_123",
		})
		require.NoError(t, err)
		assert.Equal(t, "basic", saved.PlanID)
		assert.Equal(t, "cus_123", saved.ProviderCustomerID)
		assert.Equal(t, "sub_123", saved.ProviderSubID)
		assert.Equal(t, entitlement.StatusActive, saved.SubStatus)
		assert.Equal(t, int64(1000), saved.MonthlyPoints)
		assert.Zero(t, saved.PointsUsed)
		require.NotNil(t, saved.PeriodEnd)
		assert.Equal(t, testNow.AddDate(0, 1, 0), *saved.PeriodEnd)
	})

	t.Run("missing metadata rejected", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		err := env.rec.ApplyProviderEvent(ctx, entitlement.CheckoutCompleted{
			ID:         "evt_1",
			CustomerID: "cus_123",
		})
		assert.ErrorIs(t, err, entitlement.ErrInvalidEvent)
	})

	t.Run("unknown user alerts and acknowledges", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("Get", mock.Anything, userID).Return(nil, entitlement.ErrUserNotFound)
		env.alerter.On("Alert", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		err := env.rec.ApplyProviderEvent(ctx, entitlement.CheckoutCompleted{
			ID:             "evt_1",
			CustomerID:     "cus_999",
			UserID:         userID.String(),
			PlanID:         "basic",
			SubscriptionID: "sub_123",
		})
		require.NoError(t, err)
		env.alerter.AssertCalled(t, "Alert", mock.Anything, "checkout completed for unknown user", mock.Anything)
		env.users.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}

func TestApplySubscriptionUpdated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("active status rebinds from provider state", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").
			Return(paidUser(userID, "basic", testNow.AddDate(0, 0, 10)), nil)
		env.gateway.On("Subscription", mock.Anything, "sub_123").Return(activeSub("price_pro"), nil)

		var saved entitlement.User
		captureSave(env.users, &saved)

		err := env.rec.ApplyProviderEvent(ctx, entitlement.SubscriptionUpdated{
			ID:             "evt_2",
			CustomerID:     "cus_123",
			SubscriptionID: "sub_123",
			Status:         entitlement.StatusActive,
			PriceID:        "price_pro",
		})
		require.NoError(t, err)
		assert.Equal(t, "pro", saved.PlanID)
		assert.Empty(t, saved.RequestedPlanID, "confirmed change clears the pending marker")
		assert.Equal(t, int64(5000), saved.MonthlyPoints)
	})

	t.Run("past_due only mirrors status", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").
			Return(paidUser(userID, "pro", testNow.AddDate(0, 0, 10)), nil)

		var saved entitlement.User
		captureSave(env.users, &saved)

		err := env.rec.ApplyProviderEvent(ctx, entitlement.SubscriptionUpdated{
			ID:             "evt_3",
			CustomerID:     "cus_123",
			SubscriptionID: "sub_123",
			Status:         entitlement.StatusPastDue,
		})
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusPastDue, saved.SubStatus)
		assert.Equal(t, "pro", saved.PlanID, "entitlement survives transient provider states")
		env.gateway.AssertNotCalled(t, "Subscription", mock.Anything, mock.Anything)
	})

	t.Run("unknown customer alerts and acknowledges", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		env.users.On("GetByCustomerID", mock.Anything, "cus_999").Return(nil, entitlement.ErrUserNotFound)
		env.alerter.On("Alert", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		err := env.rec.ApplyProviderEvent(ctx, entitlement.SubscriptionUpdated{
			ID:         "evt_4",
			CustomerID: "cus_999",
			Status:     entitlement.StatusActive,
		})
		require.NoError(t, err)
		env.alerter.AssertExpectations(t)
	})

	t.Run("store failure propagates for redelivery", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").Return(nil, errors.New("connection reset"))

		err := env.rec.ApplyProviderEvent(ctx, entitlement.SubscriptionUpdated{
			ID:         "evt_5",
			CustomerID: "cus_123",
			Status:     entitlement.StatusActive,
		})
		assert.Error(t, err)
	})
}

func TestApplySubscriptionDeleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()
	env.users.On("GetByCustomerID", mock.Anything, "cus_123").
		Return(paidUser(userID, "pro", testNow.AddDate(0, 0, 10)), nil)

	var saved entitlement.User
	captureSave(env.users, &saved)

	err := env.rec.ApplyProviderEvent(context.Background(), entitlement.SubscriptionDeleted{
		ID:         "evt_6",
		CustomerID: "cus_123",
	})
	require.NoError(t, err)
	assert.Empty(t, saved.PlanID)
	assert.Empty(t, saved.ProviderSubID)
	assert.Equal(t, int64(100), saved.MonthlyPoints, "falls back to the free allowance")
}

func TestApplyInvoicePaid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	invoice := entitlement.InvoicePaid{
		ID:             "evt_7",
		CustomerID:     "cus_123",
		SubscriptionID: "sub_123",
		AmountPaid:     entitlement.Money{Amount: 1000, Currency: "USD"},
	}

	t.Run("renewal rebinds period and appends ledger entry", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		u := paidUser(userID, "basic", testNow.AddDate(0, 0, -1))
		u.PointsUsed = 900
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").Return(u, nil)
		env.gateway.On("Subscription", mock.Anything, "sub_123").Return(activeSub("price_basic"), nil)
		env.dedup.On("MarkProcessed", mock.Anything, "evt_7").Return(true, nil)

		var saved entitlement.User
		captureSave(env.users, &saved)

		var entry entitlement.LedgerEntry
		env.ledger.On("Append", mock.Anything, mock.AnythingOfType("*entitlement.LedgerEntry")).
			Run(func(args mock.Arguments) { entry = *args.Get(1).(*entitlement.LedgerEntry) }).
			Return(nil)

		require.NoError(t, env.rec.ApplyProviderEvent(ctx, invoice))
		assert.Zero(t, saved.PointsUsed, "renewal resets usage")
		assert.Equal(t, testNow.AddDate(0, 1, 0), *saved.PeriodEnd)
		assert.Equal(t, "basic", entry.PlanID)
		assert.Equal(t, entitlement.LedgerSucceeded, entry.Status)
		assert.Equal(t, int64(1000), entry.Price.Amount)
	})

	t.Run("redelivered event skips the ledger append", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").
			Return(paidUser(userID, "basic", testNow.AddDate(0, 0, -1)), nil)
		env.gateway.On("Subscription", mock.Anything, "sub_123").Return(activeSub("price_basic"), nil)
		env.dedup.On("MarkProcessed", mock.Anything, "evt_7").Return(false, nil)
		env.users.On("Save", mock.Anything, mock.Anything).Return(nil)

		require.NoError(t, env.rec.ApplyProviderEvent(ctx, invoice))
		env.ledger.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("dedup outage degrades to appending anyway", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").
			Return(paidUser(userID, "basic", testNow.AddDate(0, 0, -1)), nil)
		env.gateway.On("Subscription", mock.Anything, "sub_123").Return(activeSub("price_basic"), nil)
		env.dedup.On("MarkProcessed", mock.Anything, "evt_7").Return(false, errors.New("redis down"))
		env.users.On("Save", mock.Anything, mock.Anything).Return(nil)
		env.ledger.On("Append", mock.Anything, mock.Anything).Return(nil)

		require.NoError(t, env.rec.ApplyProviderEvent(ctx, invoice))
		env.ledger.AssertCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("unknown price alerts without mutating anything", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("GetByCustomerID", mock.Anything, "cus_123").
			Return(paidUser(userID, "basic", testNow.AddDate(0, 0, -1)), nil)
		env.gateway.On("Subscription", mock.Anything, "sub_123").Return(activeSub("price_unknown"), nil)
		env.alerter.On("Alert", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		require.NoError(t, env.rec.ApplyProviderEvent(ctx, invoice))
		env.users.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		env.ledger.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
		env.alerter.AssertExpectations(t)
	})

	t.Run("one-off invoice without subscription ignored", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		err := env.rec.ApplyProviderEvent(ctx, entitlement.InvoicePaid{ID: "evt_8", CustomerID: "cus_123"})
		require.NoError(t, err)
		env.users.AssertNotCalled(t, "GetByCustomerID", mock.Anything, mock.Anything)
	})
}

func TestApplyUnknownEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	err := env.rec.ApplyProviderEvent(context.Background(), entitlement.UnknownEvent{
		ID:   "evt_9",
		Type: "customer.tax_id.created",
	})
	assert.NoError(t, err)
}

func TestConsumePoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("charges against the allowance", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		u := paidUser(userID, "basic", testNow.AddDate(0, 0, 10))
		u.PointsUsed = 100
		u.PointsResetAt = testNow.AddDate(0, 0, 20)
		env.users.On("Get", mock.Anything, userID).Return(u, nil)

		var saved entitlement.User
		captureSave(env.users, &saved)

		result, err := env.rec.ConsumePoints(ctx, userID, 50)
		require.NoError(t, err)
		assert.Equal(t, int64(150), result.PointsUsed)
		assert.Equal(t, int64(850), result.PointsRemaining())
		assert.Equal(t, int64(150), saved.PointsUsed)
	})

	t.Run("exhausted allowance", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		u := paidUser(userID, "basic", testNow.AddDate(0, 0, 10))
		u.PointsUsed = 990
		u.PointsResetAt = testNow.AddDate(0, 0, 20)
		env.users.On("Get", mock.Anything, userID).Return(u, nil)

		_, err := env.rec.ConsumePoints(ctx, userID, 20)
		assert.ErrorIs(t, err, entitlement.ErrPointsExhausted)
		env.users.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("rolls the window forward past the reset date", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		u := paidUser(userID, "basic", testNow.AddDate(0, 0, 10))
		u.PointsUsed = 1000
		u.PointsResetAt = testNow.AddDate(0, 0, -1)
		env.users.On("Get", mock.Anything, userID).Return(u, nil)

		var saved entitlement.User
		captureSave(env.users, &saved)

		result, err := env.rec.ConsumePoints(ctx, userID, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(20), result.PointsUsed)
		assert.Equal(t, testNow.AddDate(0, 1, 0), saved.PointsResetAt)
	})

	t.Run("non-positive point count rejected", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		_, err := env.rec.ConsumePoints(ctx, uuid.New(), 0)
		assert.Error(t, err)
	})
}

func TestSaveRetriesOnVersionConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()
	stale := paidUser(userID, "pro", testNow.AddDate(0, 0, 10))
	fresh := paidUser(userID, "pro", testNow.AddDate(0, 0, 10))
	fresh.Version = 5
	fresh.PointsUsed = 10

	env.users.On("Get", mock.Anything, userID).Return(stale, nil).Once()
	env.users.On("Save", mock.Anything, mock.Anything).Return(entitlement.ErrVersionConflict).Once()
	env.users.On("Get", mock.Anything, userID).Return(fresh, nil).Once()

	var saved entitlement.User
	env.users.On("Save", mock.Anything, mock.AnythingOfType("*entitlement.User")).
		Run(func(args mock.Arguments) { saved = *args.Get(1).(*entitlement.User) }).
		Return(nil).Once()

	result, err := env.rec.ConsumePoints(context.Background(), userID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), result.PointsUsed, "mutation re-applied on the fresh snapshot")
	assert.Equal(t, int64(5), saved.Version)
}

func TestCustomerPortal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("requires a provider customer", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("Get", mock.Anything, userID).Return(freeUser(userID), nil)

		_, err := env.rec.CustomerPortal(ctx, userID, "https://app.test/settings")
		assert.ErrorIs(t, err, entitlement.ErrNoProviderCustomer)
	})

	t.Run("returns the portal URL", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.users.On("Get", mock.Anything, userID).Return(paidUser(userID, "basic", testNow.AddDate(0, 0, 10)), nil)
		env.gateway.On("CreatePortalSession", mock.Anything, "cus_123", "https://app.test/settings").
			Return("https://portal.test/ps_1", nil)

		url, err := env.rec.CustomerPortal(ctx, userID, "https://app.test/settings")
		require.NoError(t, err)
		assert.Equal(t, "https://portal.test/ps_1", url)
	})
}

func TestBillingHistory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()
	entries := []entitlement.LedgerEntry{
		{ID: uuid.New(), UserID: userID, PlanID: "pro", Status: entitlement.LedgerSucceeded, CreatedAt: testNow},
		{ID: uuid.New(), UserID: userID, PlanID: "basic", Status: entitlement.LedgerSucceeded, CreatedAt: testNow.AddDate(0, -1, 0)},
	}
	env.ledger.On("ListByUser", mock.Anything, userID, int64(100)).Return(entries, nil)

	got, err := env.rec.BillingHistory(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestHandleWebhookSignatureFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.gateway.On("VerifyEvent", []byte(`{}`), "bad").
		Return(nil, entitlement.ErrSignatureVerification)

	err := env.rec.HandleWebhook(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, entitlement.ErrSignatureVerification)
}
