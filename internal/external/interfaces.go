package external

import (
	"context"

	"fitmarket/internal/types"
)

// BillingService is the subset of the billing processor the server needs.
type BillingService interface {
	// GetSubscription returns the customer's current subscription. A
	// customer with no subscription yields plan free, status canceled.
	GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionDetails, error)
}

// WebhookVerifier checks processor webhook signatures.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types handled by the webhook path.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubCreated        = "customer.subscription.created"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
	EventStripePaymentFailed     = "invoice.payment_failed"
)
