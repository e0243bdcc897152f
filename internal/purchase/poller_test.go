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

func TestSchedule_Default(t *testing.T) {
	s := DefaultSchedule()

	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, time.Second, s.Delay(10))
	assert.Equal(t, 2*time.Second, s.Delay(11))
	assert.Equal(t, 2*time.Second, s.Delay(20))
	assert.Equal(t, 3*time.Second, s.Delay(21))
	assert.Equal(t, 3*time.Second, s.Delay(25))
	assert.Equal(t, 45*time.Second, s.Total())
}

func TestPoller_RunConfirmsAnyActivePaidTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.MarkUpgrade(ctx, types.PlanFree, types.PlanPro))
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		switch n {
		case 1:
			return nil, nil
		case 2:
			return &types.BillingRecord{Tier: types.PlanPro, Status: types.SubStatusIncomplete}, nil
		default:
			// Expected pro, but any active paid tier is accepted.
			return activeRecord(types.PlanStarter), nil
		}
	}

	run, err := h.poller.Run(ctx, "acct_1", PollTarget{Expected: types.PlanPro})
	require.NoError(t, err)
	assert.True(t, run.Confirmed)
	assert.Equal(t, 3, run.AttemptsMade)
	assert.Equal(t, types.PlanPro, run.ExpectedTier)
	require.NotNil(t, run.Record)
	assert.Equal(t, types.PlanStarter, run.Record.Tier)
	assert.Equal(t, h.clock.Now(), run.StartedAt)

	_, ok := h.cache.UpgradeMarker(ctx)
	assert.False(t, ok, "confirmation clears the upgrade marker")
}

func TestPoller_RunSkipsSupersededTier(t *testing.T) {
	h := newHarness(t)
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		if n <= 4 {
			return activeRecord(types.PlanStarter), nil
		}
		return activeRecord(types.PlanEnterprise), nil
	}

	run, err := h.poller.Run(context.Background(), "acct_1", PollTarget{
		Expected:   types.PlanEnterprise,
		Superseded: types.PlanStarter,
	})
	require.NoError(t, err)
	assert.True(t, run.Confirmed)
	assert.Equal(t, 5, run.AttemptsMade)
}

func TestPoller_RunCountsReadErrors(t *testing.T) {
	h := newHarness(t)
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		if n < 4 {
			return nil, errors.New("503 from record store")
		}
		return activeRecord(types.PlanPro), nil
	}

	run, err := h.poller.Run(context.Background(), "acct_1", PollTarget{Expected: types.PlanPro})
	require.NoError(t, err)
	assert.True(t, run.Confirmed)
	assert.Equal(t, 4, run.AttemptsMade)
}

func TestPoller_RunExhausts(t *testing.T) {
	h := newHarness(t)

	run, err := h.poller.Run(context.Background(), "acct_1", PollTarget{Expected: types.PlanPro})
	require.NoError(t, err)
	assert.False(t, run.Confirmed)
	assert.Nil(t, run.Record)
	assert.Equal(t, 25, run.AttemptsMade)
	assert.Equal(t, 25, h.records.Calls())

	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 25)
	var total time.Duration
	for _, d := range sleeps {
		total += d
	}
	assert.Equal(t, 45*time.Second, total)
}

func TestPoller_CancelledRunStopsReading(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		if n == 3 {
			cancel()
		}
		return nil, nil
	}

	run, err := h.poller.Run(ctx, "acct_1", PollTarget{Expected: types.PlanPro})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, run.AttemptsMade)
	assert.Equal(t, 3, h.records.Calls())
}

func TestPoller_StartReportsResult(t *testing.T) {
	h := newHarness(t)
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		return activeRecord(types.PlanPro), nil
	}

	done := make(chan PollRun, 1)
	require.NoError(t, h.poller.Start(context.Background(), "acct_1", PollTarget{Expected: types.PlanPro}, func(run PollRun) {
		done <- run
	}))

	select {
	case run := <-done:
		assert.True(t, run.Confirmed)
		assert.Equal(t, 1, run.AttemptsMade)
	case <-time.After(2 * time.Second):
		t.Fatal("poll run never finished")
	}
	assert.False(t, h.poller.Active())
}

func TestPoller_StartWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		<-release
		return nil, nil
	}

	require.NoError(t, h.poller.Start(context.Background(), "acct_1", PollTarget{Expected: types.PlanPro}, nil))
	assert.True(t, h.poller.Active())

	err := h.poller.Start(context.Background(), "acct_1", PollTarget{Expected: types.PlanPro}, nil)
	assert.Equal(t, types.ErrCodePurchasePollerBusy, types.CodeOf(err))

	h.poller.Stop()
	assert.False(t, h.poller.Active())
	close(release)

	// The stopped run must not read past the read it was blocked in.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.records.Calls())
}

func TestPoller_StoppedRunNeverCallsDone(t *testing.T) {
	h := newHarness(t)
	p := h.poller
	h.records.fn = func(n int) (*types.BillingRecord, error) {
		if n == 2 {
			p.Stop()
		}
		return nil, nil
	}

	called := make(chan struct{}, 1)
	require.NoError(t, p.Start(context.Background(), "acct_1", PollTarget{Expected: types.PlanPro}, func(PollRun) {
		called <- struct{}{}
	}))

	select {
	case <-called:
		t.Fatal("done called for a stopped run")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, h.records.Calls())
}
