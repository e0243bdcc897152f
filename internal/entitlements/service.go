// Package entitlements reconciles an account's entitlements with the
// billing processor on demand, without waiting for a webhook.
package entitlements

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fitmarket/internal/billing"
	"fitmarket/internal/external"
	"fitmarket/internal/telemetry"
	"fitmarket/internal/types"
)

// AccountStore is the subset of the account repository the service needs.
type AccountStore interface {
	GetProfile(ctx context.Context, accountID string) (*types.AccountProfile, error)
	SetTier(ctx context.Context, accountID string, tier types.PlanTier) error
}

// RecordWriter applies a processor-confirmed state to the billing record.
type RecordWriter interface {
	ApplyEvent(ctx context.Context, accountID string, tier types.PlanTier, status types.SubscriptionStatus, eventTime time.Time) (bool, error)
}

// Config wires a Service.
type Config struct {
	Accounts AccountStore
	Records  RecordWriter
	Billing  external.BillingService
	Resolver billing.TierPriorityResolver
	Metrics  telemetry.Recorder
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service answers entitlement verification requests.
type Service struct {
	accounts AccountStore
	records  RecordWriter
	billing  external.BillingService
	resolver billing.TierPriorityResolver
	metrics  telemetry.Recorder
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(cfg Config) *Service {
	s := &Service{
		accounts: cfg.Accounts,
		records:  cfg.Records,
		billing:  cfg.Billing,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if s.resolver == nil {
		s.resolver = billing.NewTierResolver()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Verify reports whether the processor grants the account a paid tier the
// server has not recorded yet, and records it if so. Calling it again
// after a reconciliation is harmless.
func (s *Service) Verify(ctx context.Context, accountID string) (types.VerifyResponse, error) {
	resp, err := s.verify(ctx, accountID)
	if err != nil {
		return types.VerifyResponse{}, err
	}
	s.metrics.RecordVerification(ctx, resp.Result)
	s.logger.InfoContext(ctx, "entitlements verified",
		"account_id", accountID,
		"result", resp.Result,
		"tier", resp.Tier,
	)
	return resp, nil
}

func (s *Service) verify(ctx context.Context, accountID string) (types.VerifyResponse, error) {
	profile, err := s.accounts.GetProfile(ctx, accountID)
	if err != nil {
		return types.VerifyResponse{}, err
	}

	if profile.FounderGrant || profile.Tier == types.PlanFounder {
		return types.VerifyResponse{Result: types.VerificationImmutable, Tier: types.PlanFounder}, nil
	}
	if profile.StripeCustomerID == "" {
		return types.VerifyResponse{Result: types.VerificationNoChange, Tier: profile.Tier}, nil
	}

	sub, err := s.billing.GetSubscription(ctx, profile.StripeCustomerID)
	if err != nil {
		return types.VerifyResponse{}, fmt.Errorf("verify %s: %w", accountID, err)
	}

	live := sub.Status == types.SubStatusActive || sub.Status == types.SubStatusTrialing
	if !live || !s.resolver.IsPaid(sub.Plan) {
		return types.VerifyResponse{Result: types.VerificationNoChange, Tier: profile.Tier}, nil
	}

	if _, err := s.records.ApplyEvent(ctx, accountID, sub.Plan, sub.Status, s.now()); err != nil {
		return types.VerifyResponse{}, err
	}
	if profile.Tier != sub.Plan {
		if err := s.accounts.SetTier(ctx, accountID, sub.Plan); err != nil && types.CodeOf(err) != types.ErrCodeAccountImmutable {
			return types.VerifyResponse{}, err
		}
	}
	return types.VerifyResponse{Result: types.VerificationReconciled, Tier: sub.Plan}, nil
}
