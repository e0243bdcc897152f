package purchase

import (
	"context"
	"sync"

	"fitmarket/internal/types"
)

// ProfileSource exposes the authoritative account profile once the host
// application has loaded it.
type ProfileSource interface {
	// Profile returns the profile and whether it has been loaded yet.
	Profile(ctx context.Context) (types.AccountProfile, bool)
}

// ProfileHolder is a ProfileSource the host sets after sign-in and clears
// on sign-out.
type ProfileHolder struct {
	mu      sync.RWMutex
	profile types.AccountProfile
	loaded  bool
}

// Set stores a freshly loaded profile.
func (h *ProfileHolder) Set(p types.AccountProfile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profile = p
	h.loaded = true
}

// Clear forgets the profile.
func (h *ProfileHolder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profile = types.AccountProfile{}
	h.loaded = false
}

func (h *ProfileHolder) Profile(_ context.Context) (types.AccountProfile, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile, h.loaded
}
