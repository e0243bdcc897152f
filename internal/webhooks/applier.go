package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fitmarket/internal/external"
	"fitmarket/internal/telemetry"
	"fitmarket/internal/types"
)

// RecordStore is the billing record side of the database.
type RecordStore interface {
	GetRecord(ctx context.Context, accountID string) (*types.BillingRecord, error)
	ApplyEvent(ctx context.Context, accountID string, tier types.PlanTier, status types.SubscriptionStatus, eventTime time.Time) (bool, error)
}

// AccountStore is the account side of the database.
type AccountStore interface {
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.AccountProfile, error)
	SetTier(ctx context.Context, accountID string, tier types.PlanTier) error
	SetStripeCustomerID(ctx context.Context, accountID, customerID string) error
}

// Sink accepts a verified raw webhook payload.
type Sink interface {
	Accept(ctx context.Context, payload []byte) error
}

// ApplierConfig wires an EventApplier.
type ApplierConfig struct {
	Records  RecordStore
	Accounts AccountStore
	Metrics  telemetry.Recorder
	Logger   *slog.Logger
}

// EventApplier applies Stripe events to the billing record. Delivery is
// at-least-once and unordered: ApplyEvent's last-event-time guard makes
// duplicates and late arrivals no-ops.
type EventApplier struct {
	records  RecordStore
	accounts AccountStore
	metrics  telemetry.Recorder
	logger   *slog.Logger
}

func NewEventApplier(cfg ApplierConfig) *EventApplier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopRecorder{}
	}
	return &EventApplier{
		records:  cfg.Records,
		accounts: cfg.Accounts,
		metrics:  metrics,
		logger:   logger,
	}
}

// Accept parses and applies payload.
func (a *EventApplier) Accept(ctx context.Context, payload []byte) error {
	ev, err := ParseEvent(payload)
	if err != nil {
		return err
	}
	return a.Apply(ctx, ev)
}

// Apply routes ev by type. Unhandled types are acknowledged and ignored.
func (a *EventApplier) Apply(ctx context.Context, ev *Event) error {
	logger := a.logger.With("event_id", ev.ID, "event_type", ev.Type)

	if !ev.Handled {
		logger.InfoContext(ctx, "ignoring unhandled webhook event type")
		a.metrics.RecordWebhookEvent(ctx, ev.Type, telemetry.OutcomeIgnored)
		return nil
	}

	applied, err := a.apply(ctx, ev, logger)
	switch {
	case err != nil:
		a.metrics.RecordWebhookEvent(ctx, ev.Type, telemetry.OutcomeFailed)
	case applied:
		a.metrics.RecordWebhookEvent(ctx, ev.Type, telemetry.OutcomeApplied)
	default:
		a.metrics.RecordWebhookEvent(ctx, ev.Type, telemetry.OutcomeStale)
	}
	return err
}

func (a *EventApplier) apply(ctx context.Context, ev *Event, logger *slog.Logger) (bool, error) {
	accountID, err := a.resolveAccount(ctx, ev)
	if err != nil {
		return false, err
	}
	logger = logger.With("account_id", accountID)

	if ev.Type == external.EventStripeCheckoutCompleted && ev.CustomerID != "" {
		// Checkout is the first time the customer ID is seen.
		if err := a.accounts.SetStripeCustomerID(ctx, accountID, ev.CustomerID); err != nil {
			return false, fmt.Errorf("link billing customer: %w", err)
		}
	}

	tier := ev.Tier
	if tier == types.PlanFree && ev.Status == types.SubStatusPastDue {
		// Invoices do not always carry a price; keep the recorded tier.
		rec, err := a.records.GetRecord(ctx, accountID)
		if err != nil {
			return false, err
		}
		if rec != nil {
			tier = rec.Tier
		}
	}

	logger.InfoContext(ctx, "applying billing event", "tier", tier, "status", ev.Status)

	changed, err := a.records.ApplyEvent(ctx, accountID, tier, ev.Status, ev.Created)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err := a.accounts.SetTier(ctx, accountID, entitledTier(tier, ev.Status)); err != nil {
		if types.CodeOf(err) == types.ErrCodeAccountImmutable {
			logger.DebugContext(ctx, "account tier is immutable, record updated only")
			return true, nil
		}
		return true, fmt.Errorf("update account tier: %w", err)
	}
	return true, nil
}

func (a *EventApplier) resolveAccount(ctx context.Context, ev *Event) (string, error) {
	if ev.AccountID != "" {
		return ev.AccountID, nil
	}
	if ev.CustomerID == "" {
		return "", types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
			fmt.Sprintf("%s: event %s carries no account reference", ev.Type, ev.ID), nil)
	}
	profile, err := a.accounts.GetByStripeCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return "", err
	}
	return profile.AccountID, nil
}

// entitledTier is the tier the account may use while the subscription is
// in status. Past-due keeps access during dunning.
func entitledTier(tier types.PlanTier, status types.SubscriptionStatus) types.PlanTier {
	switch status {
	case types.SubStatusActive, types.SubStatusTrialing, types.SubStatusPastDue:
		return tier
	}
	return types.PlanFree
}

// Permanent reports whether retrying err cannot succeed: malformed events
// and events for unknown accounts.
func Permanent(err error) bool {
	code := string(types.CodeOf(err))
	return strings.HasPrefix(code, "validation_") || strings.HasPrefix(code, "not_found_")
}
