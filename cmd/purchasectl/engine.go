package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"fitmarket/internal/billing"
	"fitmarket/internal/config"
	"fitmarket/internal/external"
	"fitmarket/internal/localstore"
	"fitmarket/internal/purchase"
	"fitmarket/internal/types"
)

// engine is one account's purchase stack, assembled the way the mobile
// host assembles it after sign-in.
type engine struct {
	cfg        *config.PurchaseConfig
	store      localstore.Store
	cache      *purchase.LocalTierCache
	profile    *purchase.ProfileHolder
	verifier   *purchase.EntitlementVerifier
	poller     *purchase.ConfirmationPoller
	controller *purchase.Controller
	resume     *purchase.ResumeCoordinator
	logger     *slog.Logger
}

type engineHooks struct {
	bridge        purchase.Bridge
	onComplete    func(purchase.CompletionEvent)
	onStateChange func(from, to types.PurchaseStatus)
}

func loadEngineConfig() (*config.PurchaseConfig, *slog.Logger, error) {
	cfg, err := config.LoadPurchaseConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.NewLogger(os.Stderr, cfg.LogLevel), nil
}

func openStore(cfg *config.PurchaseConfig) (localstore.Store, error) {
	store, err := localstore.Open(cfg.LocalStatePath)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	return store, nil
}

func newEngine(ctx context.Context, accountID string, founder bool, hooks engineHooks) (*engine, error) {
	cfg, logger, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	resolver := billing.NewTierResolver()
	clock := purchase.RealClock()
	cache := purchase.NewLocalTierCache(store, clock, logger)
	client := external.NewEntitlementAPIClient(&http.Client{Timeout: 10 * time.Second}, external.EntitlementAPIConfig{
		BaseURL: cfg.EntitlementAPIURL,
		Token:   cfg.APIToken,
		Logger:  logger,
	})

	if founder {
		_ = cache.SetFounderGrant(ctx, true)
	}
	// The host would load the profile from its account service; the CLI
	// seeds it from device state.
	profile := &purchase.ProfileHolder{}
	profile.Set(types.AccountProfile{
		AccountID:    accountID,
		Tier:         cache.LastTier(ctx),
		FounderGrant: cache.FounderGrant(ctx),
	})

	verifier := purchase.NewEntitlementVerifier(purchase.VerifierConfig{
		Profile:  profile,
		Cache:    cache,
		Client:   client,
		Resolver: resolver,
		Logger:   logger,
	})
	poller := purchase.NewConfirmationPoller(purchase.PollerConfig{
		Source:   client,
		Cache:    cache,
		Resolver: resolver,
		Clock:    clock,
		Schedule: purchase.Schedule{
			FastInterval:   cfg.PollFastInterval,
			FastAttempts:   cfg.PollFastAttempts,
			MediumInterval: cfg.PollMediumInterval,
			MediumAttempts: cfg.PollMediumAttempts,
			SlowInterval:   cfg.PollSlowInterval,
			MaxAttempts:    cfg.PollMaxAttempts,
		},
		Logger: logger,
	})
	bridge := hooks.bridge
	if bridge == nil {
		bridge = noBridge{}
	}
	controller := purchase.NewController(purchase.ControllerConfig{
		AccountID:       accountID,
		Bridge:          bridge,
		Verifier:        verifier,
		Poller:          poller,
		Cache:           cache,
		Resolver:        resolver,
		Clock:           clock,
		PurchaseTimeout: cfg.PurchaseTimeout,
		SettleDelay:     cfg.SettleDelay,
		OnComplete:      hooks.onComplete,
		OnStateChange:   hooks.onStateChange,
		Logger:          logger,
	})
	resume := purchase.NewResumeCoordinator(purchase.ResumeConfig{
		Controller: controller,
		Verifier:   verifier,
		Grace:      cfg.ResumeGrace,
		Logger:     logger,
	})

	return &engine{
		cfg:        cfg,
		store:      store,
		cache:      cache,
		profile:    profile,
		verifier:   verifier,
		poller:     poller,
		controller: controller,
		resume:     resume,
		logger:     logger,
	}, nil
}

func (e *engine) Close() {
	e.poller.Stop()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing local state", "error", err)
	}
}

// maxWait bounds how long buy waits for a terminal outcome: the store
// timeout, the settle delay and a full poll schedule.
func (e *engine) maxWait() time.Duration {
	return e.cfg.PurchaseTimeout + e.cfg.SettleDelay + e.poller.Schedule().Total() + 5*time.Second
}

// noBridge is used by commands that never dispatch.
type noBridge struct{}

func (noBridge) TriggerPurchase(context.Context, purchase.DispatchRequest) bool { return false }

// scriptedBridge answers every dispatch with a fixed store outcome after a
// delay, delivering it as the JSON payload a native layer would post.
type scriptedBridge struct {
	outcome string
	reason  string
	delay   time.Duration
	deliver func(ctx context.Context, raw []byte)
}

// Outcomes a scriptedBridge can play back. "none" never calls back, which
// leaves the attempt for the purchase timeout or a resume pass.
var scriptedOutcomes = []string{"success", "cancel", "error", "pending", "none", "undispatchable"}

func (b *scriptedBridge) TriggerPurchase(ctx context.Context, req purchase.DispatchRequest) bool {
	payload := map[string]string{"attempt_id": req.AttemptID, "kind": b.outcome}
	switch b.outcome {
	case "undispatchable":
		return false
	case "none":
		return true
	case "success":
		payload["product_id"] = req.ProductID
		payload["transaction_id"] = "txn_" + uuid.NewString()
	case "error":
		payload["reason"] = b.reason
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	go func() {
		timer := time.NewTimer(b.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		b.deliver(ctx, raw)
	}()
	return true
}
