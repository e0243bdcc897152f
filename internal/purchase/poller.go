package purchase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fitmarket/internal/billing"
	"fitmarket/internal/types"
)

// RecordSource reads the server-side billing record. A nil record with a
// nil error means the record does not exist yet.
type RecordSource interface {
	GetRecord(ctx context.Context, accountID string) (*types.BillingRecord, error)
}

// Schedule is the tiered back-off used while waiting for the webhook to
// land: FastInterval for the first FastAttempts, MediumInterval for the
// next MediumAttempts, SlowInterval until MaxAttempts.
type Schedule struct {
	FastInterval   time.Duration
	FastAttempts   int
	MediumInterval time.Duration
	MediumAttempts int
	SlowInterval   time.Duration
	MaxAttempts    int
}

// DefaultSchedule polls for roughly 45 seconds in 25 attempts.
func DefaultSchedule() Schedule {
	return Schedule{
		FastInterval:   1 * time.Second,
		FastAttempts:   10,
		MediumInterval: 2 * time.Second,
		MediumAttempts: 10,
		SlowInterval:   3 * time.Second,
		MaxAttempts:    25,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	switch {
	case attempt <= s.FastAttempts:
		return s.FastInterval
	case attempt <= s.FastAttempts+s.MediumAttempts:
		return s.MediumInterval
	default:
		return s.SlowInterval
	}
}

// Total is the cumulative wait across all attempts.
func (s Schedule) Total() time.Duration {
	var total time.Duration
	for i := 1; i <= s.MaxAttempts; i++ {
		total += s.Delay(i)
	}
	return total
}

// PollTarget describes what a poll run is waiting for. Superseded is the
// paid tier being upgraded away from; a record still showing it does not
// confirm the purchase.
type PollTarget struct {
	Expected   types.PlanTier
	Superseded types.PlanTier
}

// PollRun is the result of one confirmation run.
type PollRun struct {
	ExpectedTier types.PlanTier
	AttemptsMade int
	StartedAt    time.Time
	Confirmed    bool
	Record       *types.BillingRecord
}

// PollerConfig holds the dependencies of a ConfirmationPoller.
type PollerConfig struct {
	Source   RecordSource
	Cache    *LocalTierCache
	Resolver billing.TierPriorityResolver
	Clock    Clock
	Schedule Schedule
	Logger   *slog.Logger
}

// ConfirmationPoller repeatedly reads the billing record until it shows an
// active paid subscription or the schedule is exhausted. It reports back
// through the done callback only; it never completes a purchase itself.
type ConfirmationPoller struct {
	source   RecordSource
	cache    *LocalTierCache
	resolver billing.TierPriorityResolver
	clock    Clock
	schedule Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// NewConfirmationPoller creates a poller. A zero Schedule uses
// DefaultSchedule.
func NewConfirmationPoller(cfg PollerConfig) *ConfirmationPoller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = billing.NewTierResolver()
	}
	if cfg.Schedule.MaxAttempts <= 0 {
		cfg.Schedule = DefaultSchedule()
	}
	return &ConfirmationPoller{
		source:   cfg.Source,
		cache:    cfg.Cache,
		resolver: cfg.Resolver,
		clock:    cfg.Clock,
		schedule: cfg.Schedule,
		logger:   cfg.Logger,
	}
}

// Schedule returns the configured schedule.
func (p *ConfirmationPoller) Schedule() Schedule {
	return p.schedule
}

// Run polls synchronously. Read errors and missing records count as
// attempts. It returns ctx.Err() if ctx is cancelled mid-run.
func (p *ConfirmationPoller) Run(ctx context.Context, accountID string, target PollTarget) (PollRun, error) {
	run := PollRun{ExpectedTier: target.Expected, StartedAt: p.clock.Now()}

	for run.AttemptsMade < p.schedule.MaxAttempts {
		if err := p.clock.Sleep(ctx, p.schedule.Delay(run.AttemptsMade+1)); err != nil {
			return run, err
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}

		run.AttemptsMade++
		record, err := p.source.GetRecord(ctx, accountID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return run, ctxErr
			}
			p.logger.WarnContext(ctx, "billing record read failed",
				"account_id", accountID,
				"attempt", run.AttemptsMade,
				"error", err,
			)
			continue
		}

		if p.confirms(record, target) {
			run.Confirmed = true
			run.Record = record
			_ = p.cache.ClearUpgradeMarker(ctx)
			p.logger.InfoContext(ctx, "purchase confirmed by billing record",
				"account_id", accountID,
				"expected_tier", target.Expected,
				"record_tier", record.Tier,
				"attempts", run.AttemptsMade,
			)
			return run, nil
		}
	}

	p.logger.WarnContext(ctx, "confirmation polling exhausted",
		"account_id", accountID,
		"expected_tier", target.Expected,
		"attempts", run.AttemptsMade,
	)
	return run, nil
}

// confirms accepts any active paid tier; the expected tier is not required
// to match so a transient mismatch is tolerated.
func (p *ConfirmationPoller) confirms(record *types.BillingRecord, target PollTarget) bool {
	if record == nil {
		return false
	}
	if record.Status != types.SubStatusActive || !p.resolver.IsPaid(record.Tier) {
		return false
	}
	return target.Superseded == "" || record.Tier != target.Superseded
}

// Start runs the poll loop on a goroutine and calls done with the result
// unless the run is stopped first. Only one run may be active.
func (p *ConfirmationPoller) Start(ctx context.Context, accountID string, target PollTarget, done func(PollRun)) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return types.NewAppError(types.ErrCodePurchasePollerBusy, "a confirmation run is already active", nil)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	go func() {
		defer cancel()
		run, err := p.Run(runCtx, accountID, target)

		p.mu.Lock()
		current := gen == p.gen && p.cancel != nil
		if current {
			p.cancel = nil
		}
		p.mu.Unlock()

		if !current || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if done != nil {
			done(run)
		}
	}()
	return nil
}

// Stop cancels the active run, if any. The cancelled run issues no further
// reads and never calls its done callback.
func (p *ConfirmationPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.gen++
	}
}

// Active reports whether a run is in flight.
func (p *ConfirmationPoller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
