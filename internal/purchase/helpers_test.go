package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitmarket/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock fires AfterFunc timers only on Advance. Sleep returns at once
// and records the requested duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	sleeps []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due, in
// deadline order, on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// PendingTimers counts timers that are armed and not yet fired.
func (c *fakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// memStore is an in-memory StateStore with injectable failures.
type memStore struct {
	mu      sync.Mutex
	data    map[string]string
	failGet bool
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}}
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return "", false, errors.New("disk unavailable")
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errors.New("disk full")
	}
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// fakeEntitlements answers Verify with a fixed response.
type fakeEntitlements struct {
	mu    sync.Mutex
	resp  types.VerifyResponse
	err   error
	calls int
	gate  chan struct{}
}

func (f *fakeEntitlements) Verify(ctx context.Context, _ string) (types.VerifyResponse, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	resp, err := f.resp, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.VerifyResponse{}, ctx.Err()
		}
	}
	return resp, err
}

func (f *fakeEntitlements) set(resp types.VerifyResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp, f.err = resp, err
}

func (f *fakeEntitlements) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRecords serves billing records by 1-based read number.
type fakeRecords struct {
	mu    sync.Mutex
	calls int
	fn    func(n int) (*types.BillingRecord, error)
}

func (f *fakeRecords) GetRecord(_ context.Context, accountID string) (*types.BillingRecord, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(n)
}

func (f *fakeRecords) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func activeRecord(tier types.PlanTier) *types.BillingRecord {
	return &types.BillingRecord{AccountID: "acct_1", Tier: tier, Status: types.SubStatusActive}
}

// fakeBridge records dispatches.
type fakeBridge struct {
	mu       sync.Mutex
	accept   bool
	requests []DispatchRequest
}

func (b *fakeBridge) TriggerPurchase(_ context.Context, req DispatchRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	return b.accept
}

func (b *fakeBridge) last(t *testing.T) DispatchRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests, "no purchase dispatched")
	return b.requests[len(b.requests)-1]
}

type harness struct {
	clock       *fakeClock
	store       *memStore
	cache       *LocalTierCache
	profile     *ProfileHolder
	ent         *fakeEntitlements
	records     *fakeRecords
	bridge      *fakeBridge
	verifier    *EntitlementVerifier
	poller      *ConfirmationPoller
	ctrl        *Controller
	completions chan CompletionEvent

	mu          sync.Mutex
	transitions []transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:       newFakeClock(),
		store:       newMemStore(),
		profile:     &ProfileHolder{},
		ent:         &fakeEntitlements{resp: types.VerifyResponse{Result: types.VerificationNoChange}},
		records:     &fakeRecords{},
		bridge:      &fakeBridge{accept: true},
		completions: make(chan CompletionEvent, 4),
	}
	logger := discardLogger()
	h.profile.Set(types.AccountProfile{AccountID: "acct_1", Tier: types.PlanFree})
	h.cache = NewLocalTierCache(h.store, h.clock, logger)
	h.verifier = NewEntitlementVerifier(VerifierConfig{
		Profile: h.profile,
		Cache:   h.cache,
		Client:  h.ent,
		Logger:  logger,
	})
	h.poller = NewConfirmationPoller(PollerConfig{
		Source: h.records,
		Cache:  h.cache,
		Clock:  h.clock,
		Logger: logger,
	})
	h.ctrl = NewController(ControllerConfig{
		AccountID: "acct_1",
		Bridge:    h.bridge,
		Verifier:  h.verifier,
		Poller:    h.poller,
		Cache:     h.cache,
		Clock:     h.clock,
		OnComplete: func(ev CompletionEvent) {
			h.completions <- ev
		},
		OnStateChange: func(from, to types.PurchaseStatus) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions = append(h.transitions, transition{from: from, to: to})
		},
		Logger: logger,
	})
	t.Cleanup(h.poller.Stop)
	return h
}

func (h *harness) waitCompletion(t *testing.T) CompletionEvent {
	t.Helper()
	select {
	case ev := <-h.completions:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for purchase completion")
		return CompletionEvent{}
	}
}

func (h *harness) requireNoCompletion(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.completions:
		t.Fatalf("unexpected completion: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) statuses() []types.PurchaseStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.PurchaseStatus, 0, len(h.transitions))
	for _, tr := range h.transitions {
		out = append(out, tr.to)
	}
	return out
}
