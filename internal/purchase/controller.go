// Package purchase reconciles an in-app store purchase with the account's
// server-side billing record.
//
// The native store reports success long before the billing processor's
// webhook updates the record, so a purchase passes through a short
// reconciliation episode: upgrades wait on the ConfirmationPoller, new
// subscriptions try one direct EntitlementVerifier call first. Bookkeeping
// lag is never shown to the payer as a failure.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fitmarket/internal/billing"
	"fitmarket/internal/types"
)

const (
	// DefaultPurchaseTimeout bounds the wait for any bridge callback.
	DefaultPurchaseTimeout = 2 * time.Minute
	// DefaultSettleDelay gives the processor a moment before the direct
	// verification call on new subscriptions.
	DefaultSettleDelay = 1500 * time.Millisecond
)

// PurchaseRequest asks for a paid tier at a billing interval.
type PurchaseRequest struct {
	Tier     types.PlanTier        `validate:"required,oneof=starter pro enterprise"`
	Interval types.BillingInterval `validate:"required,oneof=monthly yearly"`
}

// Session is a snapshot of the single purchase session.
type Session struct {
	Status            types.PurchaseStatus
	RequestedTier     types.PlanTier
	RequestedInterval types.BillingInterval
	ProductID         string
	AttemptID         string
	TransactionID     string
	FromTier          types.PlanTier
	Upgrade           bool
	Polling           bool
	LastError         error
}

// CompletionEvent is delivered once per completed purchase.
type CompletionEvent struct {
	Tier      types.PlanTier
	Interval  types.BillingInterval
	ProductID string
	// Degraded is set when polling exhausted without confirmation. The
	// purchase is still reported as complete because the store charged.
	Degraded bool
	// Attempts is the number of poll attempts made (0 when verified
	// directly).
	Attempts int
	// Immutable is set when the account holds a founder grant; the cached
	// tier is left untouched.
	Immutable bool
}

// ControllerConfig holds the dependencies of a Controller.
type ControllerConfig struct {
	AccountID string
	Bridge    Bridge
	Verifier  *EntitlementVerifier
	Poller    *ConfirmationPoller
	Cache     *LocalTierCache
	Resolver  billing.TierPriorityResolver
	Clock     Clock

	PurchaseTimeout time.Duration
	SettleDelay     time.Duration

	// OnComplete is called once per completed purchase, outside any lock.
	OnComplete func(CompletionEvent)
	// OnStateChange observes every status transition, outside any lock.
	OnStateChange func(from, to types.PurchaseStatus)

	Logger *slog.Logger
}

type transition struct {
	from, to types.PurchaseStatus
}

// Controller is the purchase state machine for one signed-in account.
// All methods are safe for concurrent use.
type Controller struct {
	accountID     string
	bridge        Bridge
	verifier      *EntitlementVerifier
	poller        *ConfirmationPoller
	cache         *LocalTierCache
	resolver      billing.TierPriorityResolver
	clock         Clock
	timeout       time.Duration
	settleDelay   time.Duration
	onComplete    func(CompletionEvent)
	onStateChange func(from, to types.PurchaseStatus)
	validate      *validator.Validate
	logger        *slog.Logger

	mu            sync.Mutex
	session       Session
	slot          completionSlot
	timer         Timer
	recovery      Timer
	episodeCancel context.CancelFunc
	transitions   []transition
}

// NewController creates an idle controller.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = billing.NewTierResolver()
	}
	timeout := cfg.PurchaseTimeout
	if timeout <= 0 {
		timeout = DefaultPurchaseTimeout
	}
	settle := cfg.SettleDelay
	if settle < 0 {
		settle = 0
	}
	return &Controller{
		accountID:     cfg.AccountID,
		bridge:        cfg.Bridge,
		verifier:      cfg.Verifier,
		poller:        cfg.Poller,
		cache:         cfg.Cache,
		resolver:      resolver,
		clock:         clock,
		timeout:       timeout,
		settleDelay:   settle,
		onComplete:    cfg.OnComplete,
		onStateChange: cfg.OnStateChange,
		validate:      validator.New(),
		logger:        logger.With("account_id", cfg.AccountID),
		session:       Session{Status: types.PurchaseIdle},
	}
}

// Session returns a copy of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Status returns the current status.
func (c *Controller) Status() types.PurchaseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Status
}

// Purchase starts a purchase attempt. It is rejected while another attempt
// is in flight; a failed session is replaced.
func (c *Controller) Purchase(ctx context.Context, req PurchaseRequest) error {
	if err := c.validate.Struct(req); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidProduct, "invalid purchase request", err)
	}
	productID, err := billing.ProductID(req.Tier, req.Interval)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.session.Status {
	case types.PurchaseIdle, types.PurchaseFailed:
	default:
		status := c.session.Status
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "purchase rejected", "status", status, "requested_tier", req.Tier)
		return types.NewAppErrorWithDetails(
			types.ErrCodePurchaseInProgress,
			"a purchase is already in progress",
			nil,
			map[string]any{"status": string(status)},
		)
	}

	attemptID := uuid.NewString()
	if err := c.slot.register(attemptID); err != nil {
		c.mu.Unlock()
		return err
	}
	c.teardownLocked()

	from := c.cache.LastTier(ctx)
	if marker, ok := c.cache.UpgradeMarker(ctx); ok && marker.To == req.Tier && c.resolver.IsPaid(marker.From) {
		// A relaunch mid-upgrade may have lost the snapshot.
		from = marker.From
	}
	upgrade := c.resolver.IsPaid(from) && c.resolver.IsUpgrade(from, req.Tier)
	if upgrade {
		_ = c.cache.MarkUpgrade(ctx, from, req.Tier)
	}

	c.session = Session{
		Status:            c.session.Status,
		RequestedTier:     req.Tier,
		RequestedInterval: req.Interval,
		ProductID:         productID,
		AttemptID:         attemptID,
		FromTier:          from,
		Upgrade:           upgrade,
	}
	c.setStatusLocked(types.PurchasePurchasing)
	c.verifier.ResetAttempt()
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.onTimeout(attemptID) })
	c.unlockAndNotify()

	c.logger.InfoContext(ctx, "purchase dispatched",
		"attempt_id", attemptID,
		"product_id", productID,
		"from_tier", from,
		"upgrade", upgrade,
	)

	dispatch := DispatchRequest{AttemptID: attemptID, AccountID: c.accountID, ProductID: productID}
	if upgrade {
		dispatch.Upgrade = &UpgradeInfo{FromTier: from}
	}
	if c.bridge.TriggerPurchase(ctx, dispatch) {
		return nil
	}

	c.mu.Lock()
	if c.session.AttemptID != attemptID || c.session.Status != types.PurchasePurchasing {
		c.mu.Unlock()
		return nil
	}
	c.slot.release()
	c.teardownLocked()
	dispatchErr := types.NewAppError(types.ErrCodePurchaseDispatch, "the store could not be opened", nil)
	c.session.LastError = dispatchErr
	c.setStatusLocked(types.PurchaseFailed)
	c.unlockAndNotify()

	_ = c.cache.ClearUpgradeMarker(ctx)
	c.logger.WarnContext(ctx, "purchase dispatch failed", "attempt_id", attemptID)
	return dispatchErr
}

// HandleBridgePayload decodes a raw bridge callback and applies it.
func (c *Controller) HandleBridgePayload(ctx context.Context, raw []byte) (bool, error) {
	attemptID, ev, err := DecodeBridgeEvent(raw)
	if err != nil {
		c.logger.WarnContext(ctx, "rejecting bridge payload", "error", err)
		return false, err
	}
	return c.HandleBridgeEvent(ctx, attemptID, ev), nil
}

// HandleBridgeEvent applies a store callback. It reports false when the
// event was dropped: unknown or stale attempt, or the attempt already
// reached a terminal state.
func (c *Controller) HandleBridgeEvent(ctx context.Context, attemptID string, ev BridgeEvent) bool {
	c.mu.Lock()
	if !c.slot.accept(attemptID, ev) {
		status := c.session.Status
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "dropping bridge event",
			"attempt_id", attemptID,
			"event", eventName(ev),
			"status", status,
		)
		return false
	}
	c.stopTimerLocked()

	switch e := ev.(type) {
	case Succeeded:
		c.session.TransactionID = e.TransactionID
		c.setStatusLocked(types.PurchaseSuccess)
		episodeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.episodeCancel = cancel
		sess := c.session
		c.unlockAndNotify()

		c.logger.InfoContext(ctx, "store reported success",
			"attempt_id", attemptID,
			"product_id", e.ProductID,
			"transaction_id", e.TransactionID,
			"upgrade", sess.Upgrade,
		)
		go c.reconcile(episodeCtx, sess)
		return true

	case Failed:
		c.session.LastError = types.NewAppErrorWithDetails(
			types.ErrCodePurchaseStore,
			"the store reported an error",
			nil,
			map[string]any{"reason": e.Reason},
		)
		c.setStatusLocked(types.PurchaseFailed)
		c.unlockAndNotify()
		_ = c.cache.ClearUpgradeMarker(ctx)
		c.logger.WarnContext(ctx, "store reported failure", "attempt_id", attemptID, "reason", e.Reason)
		return true

	case Cancelled:
		c.setStatusLocked(types.PurchaseCancelled)
		c.teardownLocked()
		c.session = Session{Status: c.session.Status}
		c.setStatusLocked(types.PurchaseIdle)
		c.unlockAndNotify()
		_ = c.cache.ClearUpgradeMarker(ctx)
		c.logger.InfoContext(ctx, "purchase cancelled by user", "attempt_id", attemptID)
		return true

	case Pending:
		c.setStatusLocked(types.PurchasePending)
		c.unlockAndNotify()
		c.logger.InfoContext(ctx, "purchase pending external approval", "attempt_id", attemptID)
		return true
	}

	c.mu.Unlock()
	return false
}

// reconcile runs the post-success episode. It exits quietly if the
// episode context is cancelled.
func (c *Controller) reconcile(ctx context.Context, sess Session) {
	if sess.Upgrade {
		// The verifier may observe the pre-upgrade tier and must not run
		// until polling ends.
		c.startPolling(ctx, sess, PollTarget{Expected: sess.RequestedTier, Superseded: sess.FromTier})
		return
	}

	if err := c.clock.Sleep(ctx, c.settleDelay); err != nil {
		return
	}

	outcome, ran := c.verifier.TryVerify(ctx)
	if ctx.Err() != nil {
		return
	}
	if ran {
		switch outcome.Kind {
		case OutcomeReconciled:
			c.complete(ctx, sess.AttemptID, CompletionEvent{Tier: outcome.Tier})
			return
		case OutcomeImmutable:
			c.complete(ctx, sess.AttemptID, CompletionEvent{Immutable: true})
			return
		}
	}
	c.startPolling(ctx, sess, PollTarget{Expected: sess.RequestedTier})
}

func (c *Controller) startPolling(ctx context.Context, sess Session, target PollTarget) {
	c.mu.Lock()
	if c.session.AttemptID != sess.AttemptID || c.session.Status != types.PurchaseSuccess {
		c.mu.Unlock()
		return
	}
	err := c.poller.Start(ctx, c.accountID, target, func(run PollRun) {
		c.onPollFinished(ctx, sess.AttemptID, run)
	})
	if err == nil {
		c.session.Polling = true
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.ErrorContext(ctx, "could not start confirmation polling", "attempt_id", sess.AttemptID, "error", err)
		c.complete(ctx, sess.AttemptID, CompletionEvent{Degraded: true})
	}
}

func (c *Controller) onPollFinished(ctx context.Context, attemptID string, run PollRun) {
	ev := CompletionEvent{Attempts: run.AttemptsMade}
	if !run.Confirmed {
		// The store already charged; confirmation will eventually arrive
		// through the webhook. One last direct check, then complete anyway.
		outcome := c.verifier.Verify(ctx)
		c.logger.WarnContext(ctx, "completing purchase without billing confirmation",
			"attempt_id", attemptID,
			"attempts", run.AttemptsMade,
			"fallback_outcome", outcome.Kind,
		)
		ev.Degraded = true
		ev.Immutable = outcome.Kind == OutcomeImmutable
	}
	if ctx.Err() != nil {
		return
	}
	c.complete(ctx, attemptID, ev)
}

// complete finishes a successful attempt: refreshes the cache, resets to
// idle and fires OnComplete. Tier and Interval default to the request.
func (c *Controller) complete(ctx context.Context, attemptID string, ev CompletionEvent) {
	c.mu.Lock()
	if c.session.AttemptID != attemptID || c.session.Status != types.PurchaseSuccess {
		c.mu.Unlock()
		return
	}
	ev = c.finishLocked(ctx, ev)
	c.unlockAndNotify()

	c.logger.InfoContext(ctx, "purchase complete",
		"attempt_id", attemptID,
		"tier", ev.Tier,
		"degraded", ev.Degraded,
		"attempts", ev.Attempts,
	)
	if c.onComplete != nil {
		c.onComplete(ev)
	}
}

func (c *Controller) finishLocked(ctx context.Context, ev CompletionEvent) CompletionEvent {
	if ev.Tier == "" {
		ev.Tier = c.session.RequestedTier
	}
	ev.Interval = c.session.RequestedInterval
	ev.ProductID = c.session.ProductID

	c.teardownLocked()
	_ = c.cache.Invalidate(ctx)
	if !ev.Immutable {
		_ = c.cache.StoreSnapshot(ctx, ev.Tier)
	}
	if !ev.Degraded && !ev.Immutable && !c.cache.Onboarded(ctx) {
		_ = c.cache.MarkOnboarded(ctx)
	}
	c.session = Session{Status: c.session.Status}
	c.setStatusLocked(types.PurchaseIdle)
	return ev
}

// ResolvePending completes a pending purchase once an external check (a
// resume-time verification) confirms the tier. The tier is held to the
// poller's rule: it must be paid and, for an upgrade, must not be the tier
// being replaced. It reports whether a pending session was resolved.
func (c *Controller) ResolvePending(ctx context.Context, tier types.PlanTier) bool {
	c.mu.Lock()
	if c.session.Status != types.PurchasePending {
		c.mu.Unlock()
		return false
	}
	attemptID := c.session.AttemptID
	if !c.resolver.IsPaid(tier) || (c.session.Upgrade && tier == c.session.FromTier) {
		from := c.session.FromTier
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "pending purchase not confirmed",
			"attempt_id", attemptID,
			"observed_tier", tier,
			"from_tier", from,
		)
		return false
	}
	c.slot.release()
	ev := c.finishLocked(ctx, CompletionEvent{Tier: tier})
	c.unlockAndNotify()

	c.logger.InfoContext(ctx, "pending purchase resolved", "attempt_id", attemptID, "tier", ev.Tier)
	if c.onComplete != nil {
		c.onComplete(ev)
	}
	return true
}

// ClearPending abandons a pending purchase without completing it.
func (c *Controller) ClearPending(ctx context.Context) bool {
	c.mu.Lock()
	if c.session.Status != types.PurchasePending {
		c.mu.Unlock()
		return false
	}
	attemptID := c.session.AttemptID
	c.slot.release()
	c.teardownLocked()
	c.session = Session{Status: c.session.Status}
	c.setStatusLocked(types.PurchaseIdle)
	c.unlockAndNotify()

	_ = c.cache.ClearUpgradeMarker(ctx)
	c.logger.InfoContext(ctx, "pending purchase cleared", "attempt_id", attemptID)
	return true
}

// Dismiss acknowledges a failed purchase and returns to idle.
func (c *Controller) Dismiss() bool {
	c.mu.Lock()
	if c.session.Status != types.PurchaseFailed {
		c.mu.Unlock()
		return false
	}
	c.session = Session{Status: c.session.Status}
	c.setStatusLocked(types.PurchaseIdle)
	c.unlockAndNotify()
	return true
}

// ForceIdle abandons an attempt stuck in purchasing with no poll run. An
// empty attemptID matches whatever attempt is current.
func (c *Controller) ForceIdle(ctx context.Context, attemptID, reason string) bool {
	c.mu.Lock()
	if c.session.Status != types.PurchasePurchasing || c.session.Polling {
		c.mu.Unlock()
		return false
	}
	if attemptID != "" && c.session.AttemptID != attemptID {
		c.mu.Unlock()
		return false
	}
	abandoned := c.session.AttemptID
	c.slot.release()
	c.teardownLocked()
	c.session = Session{Status: c.session.Status}
	c.setStatusLocked(types.PurchaseIdle)
	c.unlockAndNotify()

	_ = c.cache.ClearUpgradeMarker(ctx)
	c.logger.WarnContext(ctx, "purchase forced idle", "attempt_id", abandoned, "reason", reason)
	return true
}

// ArmResumeRecovery schedules ForceIdle for an attempt still waiting on its
// bridge callback. The timer belongs to the session and is cancelled by the
// next transition. It reports false when the attempt is no longer stuck.
func (c *Controller) ArmResumeRecovery(attemptID string, grace time.Duration, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Status != types.PurchasePurchasing || c.session.Polling || c.session.AttemptID != attemptID {
		return false
	}
	if c.recovery != nil {
		c.recovery.Stop()
	}
	c.recovery = c.clock.AfterFunc(grace, func() {
		c.ForceIdle(context.Background(), attemptID, reason)
	})
	return true
}

func (c *Controller) onTimeout(attemptID string) {
	c.mu.Lock()
	if c.session.AttemptID != attemptID || c.session.Status != types.PurchasePurchasing {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.slot.release()
	c.session.LastError = types.NewAppError(
		types.ErrCodePurchaseTimeout,
		fmt.Sprintf("the store did not respond within %s", c.timeout),
		nil,
	)
	c.setStatusLocked(types.PurchaseFailed)
	c.unlockAndNotify()

	ctx := context.Background()
	_ = c.cache.ClearUpgradeMarker(ctx)
	c.logger.WarnContext(ctx, "purchase timed out",
		"attempt_id", attemptID,
		"reason", "bridge_timeout",
		"timeout", c.timeout,
	)
}

// teardownLocked cancels every timer and background task owned by the
// current session.
func (c *Controller) teardownLocked() {
	c.stopTimerLocked()
	if c.episodeCancel != nil {
		c.episodeCancel()
		c.episodeCancel = nil
	}
	if c.poller != nil {
		c.poller.Stop()
	}
	c.session.Polling = false
}

// stopTimerLocked disarms the purchase timeout and any resume recovery.
func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.recovery != nil {
		c.recovery.Stop()
		c.recovery = nil
	}
}

func (c *Controller) setStatusLocked(to types.PurchaseStatus) {
	from := c.session.Status
	c.session.Status = to
	if from != to {
		c.transitions = append(c.transitions, transition{from: from, to: to})
	}
}

// unlockAndNotify releases c.mu and then reports queued transitions.
func (c *Controller) unlockAndNotify() {
	pending := c.transitions
	c.transitions = nil
	c.mu.Unlock()
	if c.onStateChange == nil {
		return
	}
	for _, t := range pending {
		c.onStateChange(t.from, t.to)
	}
}
