package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"fitmarket/internal/billing"
	"fitmarket/internal/types"
)

// EntitlementClient calls the server-side verification endpoint, which asks
// the billing processor directly and reconciles the account.
type EntitlementClient interface {
	Verify(ctx context.Context, accountID string) (types.VerifyResponse, error)
}

// OutcomeKind classifies a verification attempt.
type OutcomeKind string

const (
	// OutcomeReconciled means the processor confirms an active paid tier.
	OutcomeReconciled OutcomeKind = "reconciled"
	// OutcomeImmutable means the account holds a founder grant and its tier
	// must not be altered.
	OutcomeImmutable OutcomeKind = "immutable"
	// OutcomeNoChange means the processor has nothing newer.
	OutcomeNoChange OutcomeKind = "no_change"
	// OutcomeFailed means the call itself failed.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeDeferred means verification could not run yet (profile not
	// loaded, no account ID).
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome is the result of one verification attempt.
type Outcome struct {
	Kind OutcomeKind
	// Tier is set for OutcomeReconciled.
	Tier types.PlanTier
	// Err is set for OutcomeFailed.
	Err error
}

// VerifierConfig holds the dependencies of an EntitlementVerifier.
type VerifierConfig struct {
	Profile  ProfileSource
	Cache    *LocalTierCache
	Client   EntitlementClient
	Resolver billing.TierPriorityResolver
	Logger   *slog.Logger
}

// EntitlementVerifier performs one-shot reconciliation against the billing
// processor. It guards against running for founder accounts and for
// accounts whose profile is not loaded, and against redundant attempts
// within one purchase or resume cycle.
type EntitlementVerifier struct {
	profile   ProfileSource
	cache     *LocalTierCache
	client    EntitlementClient
	resolver  billing.TierPriorityResolver
	logger    *slog.Logger
	group     singleflight.Group
	attempted atomic.Bool
}

// NewEntitlementVerifier creates a verifier.
func NewEntitlementVerifier(cfg VerifierConfig) *EntitlementVerifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = billing.NewTierResolver()
	}
	return &EntitlementVerifier{
		profile:  cfg.Profile,
		cache:    cfg.Cache,
		client:   cfg.Client,
		resolver: resolver,
		logger:   logger,
	}
}

// Blocked reports whether verification must not run right now and why.
func (v *EntitlementVerifier) Blocked(ctx context.Context) (string, bool) {
	profile, loaded := v.profile.Profile(ctx)
	if !loaded {
		return "profile_not_loaded", true
	}
	if profile.FounderGrant || v.cache.FounderGrant(ctx) {
		return "founder_grant", true
	}
	return "", false
}

// Verify runs one verification attempt regardless of the attempted flag.
func (v *EntitlementVerifier) Verify(ctx context.Context) Outcome {
	profile, loaded := v.profile.Profile(ctx)
	if !loaded {
		v.logger.DebugContext(ctx, "verification deferred", "reason", "profile_not_loaded")
		return Outcome{Kind: OutcomeDeferred}
	}

	if v.cache.FounderGrant(ctx) {
		return Outcome{Kind: OutcomeImmutable}
	}
	if profile.FounderGrant {
		// Mirror locally so the next launch short-circuits before the
		// profile loads.
		_ = v.cache.SetFounderGrant(ctx, true)
		return Outcome{Kind: OutcomeImmutable}
	}

	if profile.AccountID == "" {
		v.logger.DebugContext(ctx, "verification deferred", "reason", "missing_account_id")
		return Outcome{Kind: OutcomeDeferred}
	}

	res, err, shared := v.group.Do(profile.AccountID, func() (any, error) {
		return v.client.Verify(ctx, profile.AccountID)
	})
	if err != nil {
		v.logger.WarnContext(ctx, "entitlement verification failed",
			"account_id", profile.AccountID,
			"error", err,
		)
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	resp := res.(types.VerifyResponse)

	outcome := v.apply(ctx, profile.AccountID, resp)
	v.logger.InfoContext(ctx, "entitlement verification finished",
		"account_id", profile.AccountID,
		"outcome", outcome.Kind,
		"tier", outcome.Tier,
		"shared", shared,
	)
	return outcome
}

// TryVerify runs Verify only if no attempt has been made since the last
// ResetAttempt. The bool reports whether it ran.
func (v *EntitlementVerifier) TryVerify(ctx context.Context) (Outcome, bool) {
	if !v.attempted.CompareAndSwap(false, true) {
		return Outcome{}, false
	}
	return v.Verify(ctx), true
}

// ResetAttempt re-arms TryVerify. Only a fresh purchase or a resume pass
// should call it.
func (v *EntitlementVerifier) ResetAttempt() {
	v.attempted.Store(false)
}

// Attempted reports whether TryVerify has run since the last reset.
func (v *EntitlementVerifier) Attempted() bool {
	return v.attempted.Load()
}

func (v *EntitlementVerifier) apply(ctx context.Context, accountID string, resp types.VerifyResponse) Outcome {
	switch resp.Result {
	case types.VerificationReconciled:
		tier := billing.NormalizeTier(string(resp.Tier))
		if !v.resolver.IsPaid(tier) {
			return Outcome{Kind: OutcomeNoChange}
		}
		_ = v.cache.StoreSnapshot(ctx, tier)
		if !v.cache.Onboarded(ctx) {
			_ = v.cache.MarkOnboarded(ctx)
		}
		return Outcome{Kind: OutcomeReconciled, Tier: tier}
	case types.VerificationImmutable:
		_ = v.cache.SetFounderGrant(ctx, true)
		return Outcome{Kind: OutcomeImmutable}
	case types.VerificationNoChange:
		return Outcome{Kind: OutcomeNoChange}
	default:
		err := types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("unrecognized verification result %q", resp.Result),
			nil,
		)
		v.logger.WarnContext(ctx, "entitlement verification returned unknown result",
			"account_id", accountID,
			"result", resp.Result,
		)
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
}
