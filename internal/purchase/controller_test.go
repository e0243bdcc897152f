package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitmarket/internal/types"
)

func TestController_NewSubscriptionVerifiedDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ent.set(types.VerifyResponse{Result: types.VerificationReconciled, Tier: types.PlanStarter}, nil)

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	assert.Equal(t, "fitmarket.starter.monthly", req.ProductID)
	assert.Nil(t, req.Upgrade)
	assert.Equal(t, types.PurchasePurchasing, h.ctrl.Status())

	accepted := h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID, TransactionID: "txn_1"})
	require.True(t, accepted)

	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanStarter, ev.Tier)
	assert.Equal(t, types.IntervalMonthly, ev.Interval)
	assert.False(t, ev.Degraded)
	assert.Zero(t, ev.Attempts)

	assert.Equal(t, 1, h.ent.Calls())
	assert.Zero(t, h.records.Calls(), "poller must not run when verification reconciles")
	assert.Contains(t, h.clock.Sleeps(), DefaultSettleDelay)
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
	assert.Equal(t, types.PlanStarter, h.cache.LastTier(ctx))
	assert.True(t, h.cache.Onboarded(ctx))
	assert.Zero(t, h.clock.PendingTimers())
}

func TestController_UpgradeWaitsForPolling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.StoreSnapshot(ctx, types.PlanStarter))
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		if n < 9 {
			return activeRecord(types.PlanStarter), nil
		}
		return activeRecord(types.PlanPro), nil
	}

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalYearly}))
	req := h.bridge.last(t)
	require.NotNil(t, req.Upgrade)
	assert.Equal(t, types.PlanStarter, req.Upgrade.FromTier)

	marker, ok := h.cache.UpgradeMarker(ctx)
	require.True(t, ok)
	assert.Equal(t, types.PlanStarter, marker.From)
	assert.Equal(t, types.PlanPro, marker.To)

	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))

	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanPro, ev.Tier)
	assert.Equal(t, 9, ev.Attempts)
	assert.False(t, ev.Degraded)
	assert.Zero(t, h.ent.Calls(), "verifier must not run during an upgrade")
	assert.NotContains(t, h.clock.Sleeps(), DefaultSettleDelay)

	_, ok = h.cache.UpgradeMarker(ctx)
	assert.False(t, ok)
	assert.Equal(t, types.PlanPro, h.cache.LastTier(ctx))
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
}

func TestController_PolledFirstPurchaseMarksOnboarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.records.fn = func(int) (*types.BillingRecord, error) {
		return activeRecord(types.PlanStarter), nil
	}
	require.False(t, h.cache.Onboarded(ctx))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))

	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanStarter, ev.Tier)
	assert.Equal(t, 1, ev.Attempts)
	assert.False(t, ev.Degraded)
	assert.Equal(t, 1, h.ent.Calls(), "direct verification found no change")
	assert.True(t, h.cache.Onboarded(ctx))
}

func TestController_DegradedCompletionLeavesOnboardingUnset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))

	ev := h.waitCompletion(t)
	assert.True(t, ev.Degraded)
	assert.False(t, h.cache.Onboarded(ctx))
}

func TestController_TimeoutThenLateSuccessIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	first := h.bridge.last(t)
	assert.Equal(t, 1, h.clock.PendingTimers())

	h.clock.Advance(DefaultPurchaseTimeout)

	sess := h.ctrl.Session()
	assert.Equal(t, types.PurchaseFailed, sess.Status)
	assert.Equal(t, types.ErrCodePurchaseTimeout, types.CodeOf(sess.LastError))
	assert.True(t, types.CodeOf(sess.LastError).UserActionable())
	assert.Zero(t, h.clock.PendingTimers())

	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, first.AttemptID, Succeeded{ProductID: first.ProductID}))
	assert.Equal(t, types.PurchaseFailed, h.ctrl.Status())
	h.requireNoCompletion(t)

	// Retry from failed succeeds cleanly.
	h.ent.set(types.VerifyResponse{Result: types.VerificationReconciled, Tier: types.PlanPro}, nil)
	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	second := h.bridge.last(t)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, 1, h.clock.PendingTimers())
	assert.Nil(t, h.ctrl.Session().LastError)

	require.True(t, h.ctrl.HandleBridgeEvent(ctx, second.AttemptID, Succeeded{ProductID: second.ProductID}))
	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanPro, ev.Tier)
	assert.Zero(t, h.clock.PendingTimers())
}

func TestController_ExhaustedPollingStillCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))

	ev := h.waitCompletion(t)
	assert.True(t, ev.Degraded)
	assert.Equal(t, DefaultSchedule().MaxAttempts, ev.Attempts)
	assert.Equal(t, types.PlanStarter, ev.Tier)
	assert.Equal(t, 25, h.records.Calls())
	// One direct attempt after the settle delay, one fallback after exhaustion.
	assert.Equal(t, 2, h.ent.Calls())

	sess := h.ctrl.Session()
	assert.Equal(t, types.PurchaseIdle, sess.Status)
	assert.Nil(t, sess.LastError)
	h.requireNoCompletion(t)
}

func TestController_RejectsConcurrentPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	err := h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodePurchaseInProgress, types.CodeOf(err))
	assert.Len(t, h.bridge.requests, 1)
	assert.Equal(t, 1, h.clock.PendingTimers())
}

func TestController_ValidatesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PurchaseRequest
	}{
		{"missing tier", PurchaseRequest{Interval: types.IntervalMonthly}},
		{"free tier", PurchaseRequest{Tier: types.PlanFree, Interval: types.IntervalMonthly}},
		{"founder tier", PurchaseRequest{Tier: types.PlanFounder, Interval: types.IntervalYearly}},
		{"bad interval", PurchaseRequest{Tier: types.PlanPro, Interval: "weekly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ctrl.Purchase(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, types.ErrCodeValidationInvalidProduct, types.CodeOf(err))
		})
	}
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
	assert.Empty(t, h.bridge.requests)
}

func TestController_DispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.bridge.accept = false
	ctx := context.Background()

	err := h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodePurchaseDispatch, types.CodeOf(err))

	sess := h.ctrl.Session()
	assert.Equal(t, types.PurchaseFailed, sess.Status)
	assert.Equal(t, types.ErrCodePurchaseDispatch, types.CodeOf(sess.LastError))
	assert.Zero(t, h.clock.PendingTimers())
	assert.False(t, h.ctrl.slot.outstanding())

	assert.True(t, h.ctrl.Dismiss())
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
	assert.False(t, h.ctrl.Dismiss())
}

func TestController_StoreError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.StoreSnapshot(ctx, types.PlanStarter))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanEnterprise, Interval: types.IntervalYearly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Failed{Reason: "card declined"}))

	sess := h.ctrl.Session()
	assert.Equal(t, types.PurchaseFailed, sess.Status)
	var appErr *types.AppError
	require.True(t, errors.As(sess.LastError, &appErr))
	assert.Equal(t, types.ErrCodePurchaseStore, appErr.Code)
	assert.Equal(t, "card declined", appErr.Details["reason"])
	assert.Zero(t, h.clock.PendingTimers())

	_, ok := h.cache.UpgradeMarker(ctx)
	assert.False(t, ok, "failed upgrade must clear the marker")

	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Failed{Reason: "again"}))
}

func TestController_CancelPassesThroughToIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Cancelled{}))

	sess := h.ctrl.Session()
	assert.Equal(t, types.PurchaseIdle, sess.Status)
	assert.Nil(t, sess.LastError)
	assert.Empty(t, sess.AttemptID)
	assert.Equal(t, []types.PurchaseStatus{
		types.PurchasePurchasing,
		types.PurchaseCancelled,
		types.PurchaseIdle,
	}, h.statuses())
	assert.Zero(t, h.clock.PendingTimers())
	h.requireNoCompletion(t)
}

func TestController_SuccessThenCancelAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ent.set(types.VerifyResponse{Result: types.VerificationReconciled, Tier: types.PlanPro}, nil)

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))
	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Cancelled{}))

	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanPro, ev.Tier)
	assert.NotContains(t, h.statuses(), types.PurchaseCancelled)
	h.requireNoCompletion(t)
}

func TestController_UnknownAttemptDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, "not-an-attempt", Succeeded{ProductID: "fitmarket.pro.monthly"}))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, "not-an-attempt", Cancelled{}))
	assert.Equal(t, types.PurchasePurchasing, h.ctrl.Status())
	assert.Equal(t, 1, h.clock.PendingTimers())
}

func TestController_PendingWaitsForLaterEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ent.set(types.VerifyResponse{Result: types.VerificationReconciled, Tier: types.PlanStarter}, nil)

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalYearly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Pending{}))
	assert.Equal(t, types.PurchasePending, h.ctrl.Status())
	assert.Zero(t, h.clock.PendingTimers(), "pending disarms the purchase timeout")

	h.clock.Advance(time.Hour)
	assert.Equal(t, types.PurchasePending, h.ctrl.Status())

	err := h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalYearly})
	assert.Equal(t, types.ErrCodePurchaseInProgress, types.CodeOf(err))

	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))
	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanStarter, ev.Tier)
	assert.Equal(t, types.IntervalYearly, ev.Interval)
}

func TestController_ClearPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.ctrl.ClearPending(ctx))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Pending{}))

	assert.True(t, h.ctrl.ClearPending(ctx))
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))
	h.requireNoCompletion(t)
}

func TestController_FounderAccountCompletesWithoutTouchingTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.profile.Set(types.AccountProfile{AccountID: "acct_1", Tier: types.PlanFounder, FounderGrant: true})

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))

	ev := h.waitCompletion(t)
	assert.True(t, ev.Immutable)
	assert.Zero(t, h.ent.Calls())
	assert.Zero(t, h.records.Calls())
	assert.False(t, h.store.has(KeyTierSnapshot))
	assert.True(t, h.cache.FounderGrant(ctx))
}

func TestController_ForceIdleOnlyWhenStuck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.ctrl.ForceIdle(ctx, "", "test"))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	assert.False(t, h.ctrl.ForceIdle(ctx, "other-attempt", "test"))

	assert.True(t, h.ctrl.ForceIdle(ctx, req.AttemptID, "test"))
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
	assert.Zero(t, h.clock.PendingTimers())
	assert.False(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))
}

func TestController_RelaunchKeepsUpgradeClassification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Snapshot lost but the marker from the interrupted upgrade survived.
	require.NoError(t, h.cache.MarkUpgrade(ctx, types.PlanStarter, types.PlanEnterprise))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanEnterprise, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	require.NotNil(t, req.Upgrade)
	assert.Equal(t, types.PlanStarter, req.Upgrade.FromTier)
	assert.True(t, h.ctrl.Session().Upgrade)
}

func TestController_DowngradeUsesNewSubscriptionPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.StoreSnapshot(ctx, types.PlanEnterprise))
	h.ent.set(types.VerifyResponse{Result: types.VerificationReconciled, Tier: types.PlanStarter}, nil)

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanStarter, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)
	assert.Nil(t, req.Upgrade)

	require.True(t, h.ctrl.HandleBridgeEvent(ctx, req.AttemptID, Succeeded{ProductID: req.ProductID}))
	ev := h.waitCompletion(t)
	assert.Equal(t, types.PlanStarter, ev.Tier)
	assert.Equal(t, 1, h.ent.Calls())
}

func TestController_HandleBridgePayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.HandleBridgePayload(ctx, []byte(`{"kind":"cancel"}`))
	assert.Equal(t, types.ErrCodeBridgePayloadInvalid, types.CodeOf(err))

	require.NoError(t, h.ctrl.Purchase(ctx, PurchaseRequest{Tier: types.PlanPro, Interval: types.IntervalMonthly}))
	req := h.bridge.last(t)

	accepted, err := h.ctrl.HandleBridgePayload(ctx, []byte(`{"attempt_id":"`+req.AttemptID+`","kind":"cancel","source":"sheet"}`))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, types.PurchaseIdle, h.ctrl.Status())
}
