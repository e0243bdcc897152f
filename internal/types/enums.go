package types

// PlanTier identifies the subscription level of an account.
// free < starter < pro < enterprise form a total order of privilege;
// founder is a non-revocable grant that sits outside that order.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
	PlanFounder    PlanTier = "founder"
)

// BillingInterval is the renewal cadence of a purchased subscription.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// SubscriptionStatus represents the state of a billing subscription as
// reported by the billing processor.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// PurchaseStatus is the lifecycle state of the in-app purchase session.
type PurchaseStatus string

const (
	PurchaseIdle       PurchaseStatus = "idle"
	PurchasePurchasing PurchaseStatus = "purchasing"
	PurchaseSuccess    PurchaseStatus = "success"
	PurchasePending    PurchaseStatus = "pending"
	PurchaseCancelled  PurchaseStatus = "cancelled"
	PurchaseFailed     PurchaseStatus = "failed"
)

// VerificationResult is the wire-level outcome of the entitlement
// verification endpoint.
type VerificationResult string

const (
	VerificationReconciled VerificationResult = "reconciled"
	VerificationImmutable  VerificationResult = "immutable"
	VerificationNoChange   VerificationResult = "no_change"
)
