package entitlement_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/billing/pkg/entitlement"
)

const webhookSecret = "whsec_test_secret"

func signPayload(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestStripeGateway() *entitlement.StripeGateway {
	return entitlement.NewStripeGateway(entitlement.StripeConfig{
		APIKey:        "sk_test_123",
		WebhookSecret: webhookSecret,
	})
}

func TestStripeVerifyEvent(t *testing.T) {
	t.Parallel()

	g := newTestStripeGateway()

	t.Run("rejects bad signature", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{}}}`)
		_, err := g.VerifyEvent(payload, "t=12345,v1=deadbeef")
		assert.ErrorIs(t, err, entitlement.ErrSignatureVerification)
	})

	t.Run("checkout session completed", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_checkout",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_1",
				"customer": "cus_1",
				"subscription": "sub_1",
				"metadata": {"user_id": "7f9c24e5-2f0b-4a8d-9c56-1b3a2e4d5f60", "plan_id": "basic"}
			}}
		}`)

		ev, err := g.VerifyEvent(payload, signPayload(payload, time.Now()))
		require.NoError(t, err)

		checkout, ok := ev.(entitlement.CheckoutCompleted)
		require.True(t, ok)
		assert.Equal(t, "evt_checkout", checkout.EventID())
		assert.Equal(t, "cus_1", checkout.CustomerID)
		assert.Equal(t, "sub_1", checkout.SubscriptionID)
		assert.Equal(t, "7f9c24e5-2f0b-4a8d-9c56-1b3a2e4d5f60", checkout.UserID)
		assert.Equal(t, "basic", checkout.PlanID)
	})

	t.Run("subscription updated", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_sub",
			"type": "customer.subscription.updated",
			"data": {"object": {
				"id": "sub_1",
				"customer": "cus_1",
				"status": "past_due",
				"items": {"data": [{"id": "si_1", "price": {"id": "price_basic"}}]}
			}}
		}`)

		ev, err := g.VerifyEvent(payload, signPayload(payload, time.Now()))
		require.NoError(t, err)

		updated, ok := ev.(entitlement.SubscriptionUpdated)
		require.True(t, ok)
		assert.Equal(t, "cus_1", updated.CustomerID)
		assert.Equal(t, "sub_1", updated.SubscriptionID)
		assert.Equal(t, entitlement.StatusPastDue, updated.Status)
		assert.Equal(t, "price_basic", updated.PriceID)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_del",
			"type": "customer.subscription.deleted",
			"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "canceled"}}
		}`)

		ev, err := g.VerifyEvent(payload, signPayload(payload, time.Now()))
		require.NoError(t, err)

		deleted, ok := ev.(entitlement.SubscriptionDeleted)
		require.True(t, ok)
		assert.Equal(t, "cus_1", deleted.CustomerID)
		assert.Equal(t, "sub_1", deleted.SubscriptionID)
	})

	t.Run("invoice payment succeeded", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_inv",
			"type": "invoice.payment_succeeded",
			"data": {"object": {
				"customer": "cus_1",
				"subscription": "sub_1",
				"amount_paid": 1000,
				"currency": "usd"
			}}
		}`)

		ev, err := g.VerifyEvent(payload, signPayload(payload, time.Now()))
		require.NoError(t, err)

		paid, ok := ev.(entitlement.InvoicePaid)
		require.True(t, ok)
		assert.Equal(t, "sub_1", paid.SubscriptionID)
		assert.Equal(t, int64(1000), paid.AmountPaid.Amount)
		assert.Equal(t, "usd", paid.AmountPaid.Currency)
	})

	t.Run("invoice with nested subscription reference", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_inv2",
			"type": "invoice.payment_succeeded",
			"data": {"object": {
				"customer": "cus_1",
				"amount_paid": 1000,
				"currency": "usd",
				"parent": {"subscription_details": {"subscription": "sub_1"}}
			}}
		}`)

		ev, err := g.VerifyEvent(payload, signPayload(payload, time.Now()))
		require.NoError(t, err)

		paid, ok := ev.(entitlement.InvoicePaid)
		require.True(t, ok)
		assert.Equal(t, "sub_1", paid.SubscriptionID)
	})

	t.Run("unmapped event type passes through", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_other",
			"type": "customer.tax_id.created",
			"data": {"object": {}}
		}`)

		ev, err := g.VerifyEvent(payload, signPayload(payload, time.Now()))
		require.NoError(t, err)

		unknown, ok := ev.(entitlement.UnknownEvent)
		require.True(t, ok)
		assert.Equal(t, "customer.tax_id.created", unknown.Type)
	})
}
