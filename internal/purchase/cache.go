package purchase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"fitmarket/internal/billing"
	"fitmarket/internal/types"
)

// Keys persisted in the StateStore.
const (
	KeyTierSnapshot  = "tier_snapshot"
	KeyUpgradeMarker = "upgrade_marker"
	KeyOnboarded     = "onboarded"
	KeyFounderGrant  = "founder_grant"
)

// upgradeMarkerTTL bounds how long an "upgrade in progress" marker is
// trusted after it was written.
const upgradeMarkerTTL = 24 * time.Hour

// StateStore is device-local key/value persistence.
type StateStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes all given keys in one operation.
	Delete(ctx context.Context, keys ...string) error
}

// LocalTierCache is the device-local hint layer: last known tier,
// upgrade-in-progress marker, onboarding flag and founder mirror. Nothing
// read from it is authoritative, so read failures degrade to defaults and
// write failures are logged rather than returned to the purchase flow.
type LocalTierCache struct {
	store  StateStore
	clock  Clock
	logger *slog.Logger
}

// NewLocalTierCache wraps a StateStore. A nil clock uses RealClock and a nil
// logger uses slog.Default().
func NewLocalTierCache(store StateStore, clock Clock, logger *slog.Logger) *LocalTierCache {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTierCache{store: store, clock: clock, logger: logger}
}

// Snapshot returns the last stored tier snapshot.
func (c *LocalTierCache) Snapshot(ctx context.Context) (types.TierSnapshot, bool) {
	var snap types.TierSnapshot
	if !c.readJSON(ctx, KeyTierSnapshot, &snap) {
		return types.TierSnapshot{}, false
	}
	snap.Tier = billing.NormalizeTier(string(snap.Tier))
	return snap, true
}

// LastTier returns the cached tier, or free when nothing usable is stored.
func (c *LocalTierCache) LastTier(ctx context.Context) types.PlanTier {
	snap, ok := c.Snapshot(ctx)
	if !ok {
		return types.PlanFree
	}
	return snap.Tier
}

// StoreSnapshot replaces the snapshot as a whole.
func (c *LocalTierCache) StoreSnapshot(ctx context.Context, tier types.PlanTier) error {
	return c.writeJSON(ctx, KeyTierSnapshot, types.TierSnapshot{
		Tier:       tier,
		CapturedAt: c.clock.Now(),
	})
}

// UpgradeMarker returns the in-progress upgrade, ignoring markers older
// than 24h.
func (c *LocalTierCache) UpgradeMarker(ctx context.Context) (types.UpgradeMarker, bool) {
	var marker types.UpgradeMarker
	if !c.readJSON(ctx, KeyUpgradeMarker, &marker) {
		return types.UpgradeMarker{}, false
	}
	if c.clock.Now().Sub(marker.StartedAt) > upgradeMarkerTTL {
		c.logger.DebugContext(ctx, "ignoring expired upgrade marker",
			"from", marker.From,
			"to", marker.To,
			"started_at", marker.StartedAt,
		)
		return types.UpgradeMarker{}, false
	}
	return marker, true
}

// MarkUpgrade records that an upgrade from -> to was dispatched.
func (c *LocalTierCache) MarkUpgrade(ctx context.Context, from, to types.PlanTier) error {
	return c.writeJSON(ctx, KeyUpgradeMarker, types.UpgradeMarker{
		From:      from,
		To:        to,
		StartedAt: c.clock.Now(),
	})
}

// ClearUpgradeMarker drops the upgrade marker.
func (c *LocalTierCache) ClearUpgradeMarker(ctx context.Context) error {
	return c.delete(ctx, KeyUpgradeMarker)
}

// Invalidate drops the snapshot and the upgrade marker together.
func (c *LocalTierCache) Invalidate(ctx context.Context) error {
	return c.delete(ctx, KeyTierSnapshot, KeyUpgradeMarker)
}

// Onboarded reports whether the account has completed a successful
// reconciliation on this device.
func (c *LocalTierCache) Onboarded(ctx context.Context) bool {
	return c.readBool(ctx, KeyOnboarded)
}

// MarkOnboarded sets the onboarded flag.
func (c *LocalTierCache) MarkOnboarded(ctx context.Context) error {
	return c.writeBool(ctx, KeyOnboarded, true)
}

// FounderGrant reports the locally mirrored founder flag.
func (c *LocalTierCache) FounderGrant(ctx context.Context) bool {
	return c.readBool(ctx, KeyFounderGrant)
}

// SetFounderGrant mirrors the founder flag locally.
func (c *LocalTierCache) SetFounderGrant(ctx context.Context, granted bool) error {
	return c.writeBool(ctx, KeyFounderGrant, granted)
}

func (c *LocalTierCache) readJSON(ctx context.Context, key string, dst any) bool {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "local state read failed", "key", key, "error", err)
		return false
	}
	if !ok || raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.logger.WarnContext(ctx, "discarding corrupt local state", "key", key, "error", err)
		return false
	}
	return true
}

func (c *LocalTierCache) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, key, string(data)); err != nil {
		c.logger.WarnContext(ctx, "local state write failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (c *LocalTierCache) readBool(ctx context.Context, key string) bool {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "local state read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

func (c *LocalTierCache) writeBool(ctx context.Context, key string, v bool) error {
	if err := c.store.Set(ctx, key, strconv.FormatBool(v)); err != nil {
		c.logger.WarnContext(ctx, "local state write failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (c *LocalTierCache) delete(ctx context.Context, keys ...string) error {
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.WarnContext(ctx, "local state delete failed", "keys", keys, "error", err)
		return err
	}
	return nil
}
