package types

import "time"

// BillingRecord is the server-side subscription row maintained by the
// billing processor webhook. Clients treat it as read-only.
type BillingRecord struct {
	AccountID string             `json:"account_id" db:"account_id"`
	Tier      PlanTier           `json:"tier" db:"tier"`
	Status    SubscriptionStatus `json:"status" db:"status"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// AccountProfile is the authoritative identity of an account as far as
// billing is concerned.
type AccountProfile struct {
	AccountID        string   `json:"account_id" db:"id"`
	Tier             PlanTier `json:"tier" db:"tier"`
	FounderGrant     bool     `json:"founder_grant" db:"founder_grant"`
	StripeCustomerID string   `json:"-" db:"stripe_customer_id"`
}

// TierSnapshot is the device-local "last known tier" hint. It is never
// authoritative.
type TierSnapshot struct {
	Tier       PlanTier  `json:"tier"`
	CapturedAt time.Time `json:"captured_at"`
}

// UpgradeMarker records that an upgrade was dispatched so classification
// survives an app relaunch mid-purchase.
type UpgradeMarker struct {
	From      PlanTier  `json:"from"`
	To        PlanTier  `json:"to"`
	StartedAt time.Time `json:"started_at"`
}

// SubscriptionDetails abstracts the billing processor's subscription object.
type SubscriptionDetails struct {
	Plan               PlanTier           `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// VerifyResponse is the body returned by the entitlement verification
// endpoint.
type VerifyResponse struct {
	Result VerificationResult `json:"result"`
	Tier   PlanTier           `json:"tier,omitempty"`
}
