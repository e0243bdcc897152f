package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"fitmarket/internal/billing"
	"fitmarket/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // tests point this at httptest
	Logger    *slog.Logger
}

// StripeClient calls the Stripe REST API through BaseClient rather than
// the stripe-go transport, so it shares the breaker, retries and error
// mapping of every other upstream.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient builds a client with Stripe-specific retry settings.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithLogger(logger)}, opts...)
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second},
		"fitmarket-billing/1.0",
		opts...,
	)
	return NewStripeClientWithBase(base, cfg, logger)
}

// NewStripeClientWithBase wires a pre-built BaseClient, typically one with
// retries disabled for tests.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig, logger *slog.Logger) *StripeClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// GetSubscription lists the customer's most relevant subscription. Stripe
// orders by creation, newest first; the first non-terminal one wins.
func (s *StripeClient) GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionDetails, error) {
	if customerID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "customer id is required", nil)
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", "3")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe subscriptions response", err)
	}

	for i := range list.Data {
		status := MapSubscriptionStatus(list.Data[i].Status)
		if status == types.SubStatusCanceled || status == types.SubStatusIncompleteExpired {
			continue
		}
		return mapStripeSubscription(&list.Data[i]), nil
	}

	return &types.SubscriptionDetails{Plan: types.PlanFree, Status: types.SubStatusCanceled}, nil
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with unreadable body", operation, resp.StatusCode),
			err,
		)
	}

	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with non-JSON body", operation, resp.StatusCode),
			err,
		)
	}

	s.logger.Warn("stripe request rejected",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_type", se.Error.Type,
		"stripe_code", se.Error.Code,
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundAccount,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, se.Error.Message),
			nil,
		)
	case resp.StatusCode == http.StatusUnauthorized:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe rejected the API key", operation),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, se.Error.Message),
			nil,
			map[string]any{"stripe_code": se.Error.Code},
		)
	}
}

func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", operation),
		err,
	)
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price StripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// StripePrice is the part of a Stripe price object used to derive a tier.
type StripePrice struct {
	ID        string            `json:"id"`
	LookupKey string            `json:"lookup_key"`
	Metadata  map[string]string `json:"metadata"`
}

func mapStripeSubscription(sub *stripeSubscription) *types.SubscriptionDetails {
	details := &types.SubscriptionDetails{
		Plan:               types.PlanFree,
		Status:             MapSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if len(sub.Items.Data) > 0 {
		details.Plan = PlanForPrice(sub.Items.Data[0].Price)
	}
	return details
}

// MapSubscriptionStatus converts a Stripe status string to the domain enum.
func MapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	case "incomplete":
		return types.SubStatusIncomplete
	case "incomplete_expired":
		return types.SubStatusIncompleteExpired
	case "trialing":
		return types.SubStatusTrialing
	case "unpaid":
		return types.SubStatusUnpaid
	default:
		return types.SubscriptionStatus(status)
	}
}

// PlanForPrice derives the tier from a Stripe price. Prices are created
// with the store product identifier as lookup_key
// ("fitmarket.pro.monthly"); a "tier" metadata entry is the fallback, then
// the legacy "price_<tier>" ID convention.
func PlanForPrice(p StripePrice) types.PlanTier {
	if tier, _, err := billing.ParseProductID(p.LookupKey); err == nil {
		return tier
	}
	if t, ok := p.Metadata["tier"]; ok {
		return billing.NormalizeTier(t)
	}
	if rest, ok := strings.CutPrefix(p.ID, "price_"); ok {
		tier, _, _ := strings.Cut(rest, "_")
		return billing.NormalizeTier(tier)
	}
	return types.PlanFree
}

// StripeVerifier checks Stripe-Signature headers with stripe-go, which
// validates the HMAC and the timestamp tolerance.
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

var (
	_ BillingService  = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
