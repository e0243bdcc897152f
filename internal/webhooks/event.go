// Package webhooks turns billing processor events into billing record
// updates. Events arrive either inline from the HTTP handler or through
// SQS; both paths share EventApplier.
package webhooks

import (
	"time"

	"github.com/tidwall/gjson"

	"fitmarket/internal/billing"
	"fitmarket/internal/external"
	"fitmarket/internal/types"
)

// Event is the part of a Stripe event the applier acts on.
type Event struct {
	ID         string
	Type       string
	Created    time.Time
	AccountID  string
	CustomerID string
	Tier       types.PlanTier
	Status     types.SubscriptionStatus
	Handled    bool
}

// ParseEvent extracts an Event from a raw Stripe payload. Unhandled event
// types parse successfully with Handled=false.
func ParseEvent(payload []byte) (*Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, types.NewAppError(types.ErrCodeWebhookPayloadInvalid, "webhook payload is not valid JSON", nil)
	}
	root := gjson.ParseBytes(payload)

	ev := &Event{
		ID:      root.Get("id").String(),
		Type:    root.Get("type").String(),
		Created: time.Unix(root.Get("created").Int(), 0).UTC(),
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, types.NewAppError(types.ErrCodeWebhookPayloadInvalid, "webhook payload lacks id or type", nil)
	}

	obj := root.Get("data.object")
	ev.AccountID = firstNonEmpty(
		obj.Get("client_reference_id").String(),
		obj.Get("metadata.account_id").String(),
		obj.Get("subscription_details.metadata.account_id").String(),
	)
	ev.CustomerID = obj.Get("customer").String()

	switch ev.Type {
	case external.EventStripeCheckoutCompleted:
		ev.Handled = true
		ev.Tier = billing.NormalizeTier(obj.Get("metadata.tier").String())
		ev.Status = types.SubStatusActive

	case external.EventStripeSubCreated, external.EventStripeSubUpdated:
		ev.Handled = true
		ev.Tier = external.PlanForPrice(priceAt(obj.Get("items.data.0.price")))
		ev.Status = external.MapSubscriptionStatus(obj.Get("status").String())
		if ev.Status == types.SubStatusCanceled || ev.Status == types.SubStatusIncompleteExpired {
			ev.Tier = types.PlanFree
		}

	case external.EventStripeSubDeleted:
		ev.Handled = true
		ev.Tier = types.PlanFree
		ev.Status = types.SubStatusCanceled

	case external.EventStripePaymentFailed:
		ev.Handled = true
		ev.Tier = external.PlanForPrice(priceAt(obj.Get("lines.data.0.price")))
		ev.Status = types.SubStatusPastDue
	}

	return ev, nil
}

func priceAt(r gjson.Result) external.StripePrice {
	p := external.StripePrice{
		ID:        r.Get("id").String(),
		LookupKey: r.Get("lookup_key").String(),
	}
	if md := r.Get("metadata"); md.IsObject() {
		p.Metadata = make(map[string]string)
		md.ForEach(func(k, v gjson.Result) bool {
			p.Metadata[k.String()] = v.String()
			return true
		})
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
