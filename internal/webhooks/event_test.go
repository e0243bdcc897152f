package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitmarket/internal/types"
)

const checkoutPayload = `{
	"id": "evt_checkout",
	"type": "checkout.session.completed",
	"created": 1760000000,
	"data": {"object": {
		"client_reference_id": "acct_1",
		"customer": "cus_1",
		"metadata": {"tier": "pro"}
	}}
}`

const subUpdatedPayload = `{
	"id": "evt_sub",
	"type": "customer.subscription.updated",
	"created": 1760000100,
	"data": {"object": {
		"customer": "cus_1",
		"status": "active",
		"metadata": {"account_id": "acct_1"},
		"items": {"data": [{"price": {"id": "price_abc", "lookup_key": "fitmarket.enterprise.yearly"}}]}
	}}
}`

func TestParseEvent_Checkout(t *testing.T) {
	ev, err := ParseEvent([]byte(checkoutPayload))
	require.NoError(t, err)

	assert.Equal(t, "evt_checkout", ev.ID)
	assert.True(t, ev.Handled)
	assert.Equal(t, "acct_1", ev.AccountID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.Equal(t, types.PlanPro, ev.Tier)
	assert.Equal(t, types.SubStatusActive, ev.Status)
	assert.Equal(t, time.Unix(1760000000, 0).UTC(), ev.Created)
}

func TestParseEvent_SubscriptionUpdated(t *testing.T) {
	ev, err := ParseEvent([]byte(subUpdatedPayload))
	require.NoError(t, err)

	assert.Equal(t, types.PlanEnterprise, ev.Tier)
	assert.Equal(t, types.SubStatusActive, ev.Status)
	assert.Equal(t, "acct_1", ev.AccountID)
}

func TestParseEvent_CanceledSubscriptionDropsTier(t *testing.T) {
	payload := `{"id":"evt_1","type":"customer.subscription.updated","created":1,
		"data":{"object":{"status":"canceled","customer":"cus_1",
		"items":{"data":[{"price":{"id":"price_pro"}}]}}}}`

	ev, err := ParseEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, ev.Tier)
	assert.Equal(t, types.SubStatusCanceled, ev.Status)
}

func TestParseEvent_Deleted(t *testing.T) {
	payload := `{"id":"evt_del","type":"customer.subscription.deleted","created":5,"data":{"object":{"customer":"cus_9"}}}`

	ev, err := ParseEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, ev.Tier)
	assert.Equal(t, types.SubStatusCanceled, ev.Status)
	assert.Empty(t, ev.AccountID)
	assert.Equal(t, "cus_9", ev.CustomerID)
}

func TestParseEvent_PaymentFailed(t *testing.T) {
	payload := `{"id":"evt_inv","type":"invoice.payment_failed","created":5,"data":{"object":{
		"customer":"cus_9",
		"subscription_details":{"metadata":{"account_id":"acct_9"}},
		"lines":{"data":[{"price":{"id":"price_x","metadata":{"tier":"starter"}}}]}}}}`

	ev, err := ParseEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "acct_9", ev.AccountID)
	assert.Equal(t, types.PlanStarter, ev.Tier)
	assert.Equal(t, types.SubStatusPastDue, ev.Status)
}

func TestParseEvent_Unhandled(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_x","type":"invoice.paid","created":1,"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.False(t, ev.Handled)
}

func TestParseEvent_Invalid(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":   `{"id":`,
		"missing id": `{"type":"invoice.paid"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(payload))
			assert.Equal(t, types.ErrCodeWebhookPayloadInvalid, types.CodeOf(err))
		})
	}
}
