package purchase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"fitmarket/internal/types"
)

// DefaultResumeGrace is how long a resume pass waits for a late bridge
// callback before abandoning a stuck purchase.
const DefaultResumeGrace = 3 * time.Second

// ForegroundSource notifies when the app returns to the foreground.
type ForegroundSource interface {
	// OnForeground registers fn and returns a function that unregisters it.
	OnForeground(fn func()) (unregister func())
}

// ResumeConfig holds the dependencies of a ResumeCoordinator.
type ResumeConfig struct {
	Controller *Controller
	Verifier   *EntitlementVerifier
	Grace      time.Duration
	Logger     *slog.Logger
}

// ResumeResult describes what one resume pass did.
type ResumeResult struct {
	// Coalesced is set when another pass was already running.
	Coalesced bool
	// BlockedReason is set when verification guards prevented the pass.
	BlockedReason string
	Outcome       Outcome
	// ResolvedPending is set when a pending purchase was completed.
	ResolvedPending bool
	// RecoveryScheduled is set when a stuck purchase will be checked again
	// after the grace window.
	RecoveryScheduled bool
}

// ResumeCoordinator re-checks entitlements when the app is foregrounded and
// recovers purchases whose bridge callback never arrived.
type ResumeCoordinator struct {
	controller *Controller
	verifier   *EntitlementVerifier
	grace      time.Duration
	logger     *slog.Logger
	running    atomic.Bool
}

// NewResumeCoordinator creates a coordinator.
func NewResumeCoordinator(cfg ResumeConfig) *ResumeCoordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultResumeGrace
	}
	return &ResumeCoordinator{
		controller: cfg.Controller,
		verifier:   cfg.Verifier,
		grace:      cfg.Grace,
		logger:     cfg.Logger,
	}
}

// Register subscribes the coordinator to foreground notifications. Each
// notification runs a pass on its own goroutine.
func (r *ResumeCoordinator) Register(src ForegroundSource) (unregister func()) {
	return src.OnForeground(func() {
		go r.HandleResume(context.Background())
	})
}

// HandleResume runs one resume pass. Overlapping calls are coalesced into
// the pass already running.
func (r *ResumeCoordinator) HandleResume(ctx context.Context) ResumeResult {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.DebugContext(ctx, "resume pass already running")
		return ResumeResult{Coalesced: true}
	}
	defer r.running.Store(false)

	var result ResumeResult
	if r.controller.Status() == types.PurchaseSuccess {
		// The post-success episode owns verification; upgrades in particular
		// must not verify before polling ends.
		result.BlockedReason = "reconciliation_in_progress"
	} else if reason, blocked := r.verifier.Blocked(ctx); blocked {
		r.logger.DebugContext(ctx, "resume verification skipped", "reason", reason)
		result.BlockedReason = reason
	} else {
		r.verifier.ResetAttempt()
		outcome, _ := r.verifier.TryVerify(ctx)
		result.Outcome = outcome
		if outcome.Kind == OutcomeReconciled {
			result.ResolvedPending = r.controller.ResolvePending(ctx, outcome.Tier)
		}
	}

	sess := r.controller.Session()
	if sess.Status == types.PurchasePurchasing && !sess.Polling &&
		r.controller.ArmResumeRecovery(sess.AttemptID, r.grace, "resume_recovery") {
		attemptID := sess.AttemptID
		result.RecoveryScheduled = true
		r.logger.InfoContext(ctx, "purchase still awaiting store callback after resume",
			"attempt_id", attemptID,
			"grace", r.grace,
		)
	}
	return result
}
