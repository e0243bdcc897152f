package entitlements

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fitmarket/internal/telemetry"
	"fitmarket/internal/types"
)

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) GetProfile(ctx context.Context, accountID string) (*types.AccountProfile, error) {
	args := m.Called(ctx, accountID)
	p, _ := args.Get(0).(*types.AccountProfile)
	return p, args.Error(1)
}

func (m *mockAccounts) SetTier(ctx context.Context, accountID string, tier types.PlanTier) error {
	return m.Called(ctx, accountID, tier).Error(0)
}

type mockRecords struct{ mock.Mock }

func (m *mockRecords) ApplyEvent(ctx context.Context, accountID string, tier types.PlanTier, status types.SubscriptionStatus, eventTime time.Time) (bool, error) {
	args := m.Called(ctx, accountID, tier, status, eventTime)
	return args.Bool(0), args.Error(1)
}

type mockBilling struct{ mock.Mock }

func (m *mockBilling) GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionDetails, error) {
	args := m.Called(ctx, customerID)
	d, _ := args.Get(0).(*types.SubscriptionDetails)
	return d, args.Error(1)
}

type countingRecorder struct {
	telemetry.NopRecorder
	results []types.VerificationResult
}

func (c *countingRecorder) RecordVerification(_ context.Context, r types.VerificationResult) {
	c.results = append(c.results, r)
}

var fixedNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type fixture struct {
	accounts *mockAccounts
	records  *mockRecords
	billing  *mockBilling
	metrics  *countingRecorder
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		accounts: &mockAccounts{},
		records:  &mockRecords{},
		billing:  &mockBilling{},
		metrics:  &countingRecorder{},
	}
	f.svc = NewService(Config{
		Accounts: f.accounts,
		Records:  f.records,
		Billing:  f.billing,
		Metrics:  f.metrics,
		Now:      func() time.Time { return fixedNow },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func TestVerify_Founder(t *testing.T) {
	f := newFixture()
	f.accounts.On("GetProfile", mock.Anything, "acct_f").
		Return(&types.AccountProfile{AccountID: "acct_f", Tier: types.PlanPro, FounderGrant: true, StripeCustomerID: "cus_f"}, nil)

	resp, err := f.svc.Verify(context.Background(), "acct_f")

	require.NoError(t, err)
	assert.Equal(t, types.VerificationImmutable, resp.Result)
	assert.Equal(t, types.PlanFounder, resp.Tier)
	f.billing.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	assert.Equal(t, []types.VerificationResult{types.VerificationImmutable}, f.metrics.results)
}

func TestVerify_NoCustomer(t *testing.T) {
	f := newFixture()
	f.accounts.On("GetProfile", mock.Anything, "acct_1").
		Return(&types.AccountProfile{AccountID: "acct_1", Tier: types.PlanFree}, nil)

	resp, err := f.svc.Verify(context.Background(), "acct_1")

	require.NoError(t, err)
	assert.Equal(t, types.VerificationNoChange, resp.Result)
	assert.Equal(t, types.PlanFree, resp.Tier)
}

func TestVerify_ActivePaidSubscriptionReconciles(t *testing.T) {
	f := newFixture()
	f.accounts.On("GetProfile", mock.Anything, "acct_1").
		Return(&types.AccountProfile{AccountID: "acct_1", Tier: types.PlanFree, StripeCustomerID: "cus_1"}, nil)
	f.billing.On("GetSubscription", mock.Anything, "cus_1").
		Return(&types.SubscriptionDetails{Plan: types.PlanPro, Status: types.SubStatusActive}, nil)
	f.records.On("ApplyEvent", mock.Anything, "acct_1", types.PlanPro, types.SubStatusActive, fixedNow).Return(true, nil)
	f.accounts.On("SetTier", mock.Anything, "acct_1", types.PlanPro).Return(nil)

	resp, err := f.svc.Verify(context.Background(), "acct_1")

	require.NoError(t, err)
	assert.Equal(t, types.VerifyResponse{Result: types.VerificationReconciled, Tier: types.PlanPro}, resp)
	f.records.AssertExpectations(t)
	f.accounts.AssertExpectations(t)
}

func TestVerify_IdempotentWhenAlreadyRecorded(t *testing.T) {
	f := newFixture()
	f.accounts.On("GetProfile", mock.Anything, "acct_1").
		Return(&types.AccountProfile{AccountID: "acct_1", Tier: types.PlanPro, StripeCustomerID: "cus_1"}, nil)
	f.billing.On("GetSubscription", mock.Anything, "cus_1").
		Return(&types.SubscriptionDetails{Plan: types.PlanPro, Status: types.SubStatusActive}, nil)
	f.records.On("ApplyEvent", mock.Anything, "acct_1", types.PlanPro, types.SubStatusActive, fixedNow).Return(false, nil)

	for i := 0; i < 2; i++ {
		resp, err := f.svc.Verify(context.Background(), "acct_1")
		require.NoError(t, err)
		assert.Equal(t, types.VerificationReconciled, resp.Result)
	}
	f.accounts.AssertNotCalled(t, "SetTier", mock.Anything, mock.Anything, mock.Anything)
}

func TestVerify_InactiveOrFreeIsNoChange(t *testing.T) {
	tests := []struct {
		name string
		sub  types.SubscriptionDetails
	}{
		{"past due", types.SubscriptionDetails{Plan: types.PlanPro, Status: types.SubStatusPastDue}},
		{"no subscription", types.SubscriptionDetails{Plan: types.PlanFree, Status: types.SubStatusCanceled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.accounts.On("GetProfile", mock.Anything, "acct_1").
				Return(&types.AccountProfile{AccountID: "acct_1", Tier: types.PlanStarter, StripeCustomerID: "cus_1"}, nil)
			sub := tt.sub
			f.billing.On("GetSubscription", mock.Anything, "cus_1").Return(&sub, nil)

			resp, err := f.svc.Verify(context.Background(), "acct_1")

			require.NoError(t, err)
			assert.Equal(t, types.VerificationNoChange, resp.Result)
			assert.Equal(t, types.PlanStarter, resp.Tier)
			f.records.AssertNotCalled(t, "ApplyEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestVerify_Errors(t *testing.T) {
	t.Run("unknown account", func(t *testing.T) {
		f := newFixture()
		f.accounts.On("GetProfile", mock.Anything, "nope").
			Return(nil, types.NewAppError(types.ErrCodeNotFoundAccount, "missing", nil))

		_, err := f.svc.Verify(context.Background(), "nope")
		assert.Equal(t, types.ErrCodeNotFoundAccount, types.CodeOf(err))
		assert.Empty(t, f.metrics.results)
	})

	t.Run("processor unavailable", func(t *testing.T) {
		f := newFixture()
		f.accounts.On("GetProfile", mock.Anything, "acct_1").
			Return(&types.AccountProfile{AccountID: "acct_1", StripeCustomerID: "cus_1"}, nil)
		f.billing.On("GetSubscription", mock.Anything, "cus_1").
			Return(nil, types.NewAppError(types.ErrCodeUpstreamStripe, "down", errors.New("503")))

		_, err := f.svc.Verify(context.Background(), "acct_1")
		assert.Equal(t, types.ErrCodeUpstreamStripe, types.CodeOf(err))
	})
}
