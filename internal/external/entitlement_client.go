package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"fitmarket/internal/types"
)

// EntitlementAPIConfig configures an EntitlementAPIClient.
type EntitlementAPIConfig struct {
	BaseURL string
	Token   types.SecretString
	Logger  *slog.Logger
}

// EntitlementAPIClient is the device-side view of the fitmarket API: it
// reads the webhook-maintained billing record and asks the server to
// reconcile entitlements against the billing processor.
type EntitlementAPIClient struct {
	base    *BaseClient
	baseURL string
	token   types.SecretString
	logger  *slog.Logger
}

// NewEntitlementAPIClient builds a client with the default retry policy.
func NewEntitlementAPIClient(httpClient *http.Client, cfg EntitlementAPIConfig, opts ...BaseClientOption) *EntitlementAPIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithLogger(logger)}, opts...)
	base := NewBaseClient(httpClient, "fitmarket-api", DefaultRetryPolicy(), "fitmarket-device/1.0", opts...)
	return NewEntitlementAPIClientWithBase(base, cfg)
}

// NewEntitlementAPIClientWithBase wires a pre-built BaseClient.
func NewEntitlementAPIClientWithBase(base *BaseClient, cfg EntitlementAPIConfig) *EntitlementAPIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementAPIClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

// GetRecord returns the account's billing record, or nil when the webhook
// has not written one yet.
func (c *EntitlementAPIClient) GetRecord(ctx context.Context, accountID string) (*types.BillingRecord, error) {
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/billing-record"
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, c.statusError("GetRecord", resp.StatusCode)
	}

	var rec types.BillingRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode billing record", err)
	}
	return &rec, nil
}

// Verify asks the server to reconcile the account's entitlements.
func (c *EntitlementAPIClient) Verify(ctx context.Context, accountID string) (types.VerifyResponse, error) {
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/entitlements/verify"
	resp, err := c.do(ctx, http.MethodPost, path)
	if err != nil {
		return types.VerifyResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.VerifyResponse{}, c.statusError("Verify", resp.StatusCode)
	}

	var out types.VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.VerifyResponse{}, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode verify response", err)
	}
	return out, nil
}

func (c *EntitlementAPIClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.token.Unmask())
	}
	return c.base.Do(req)
}

func (c *EntitlementAPIClient) statusError(op string, status int) error {
	c.logger.Warn("entitlement api rejected request", "operation", op, "status", status)
	code := types.ErrCodeUpstreamUnavailable
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = types.ErrCodeAuthTokenInvalid
	}
	return types.NewAppError(code, fmt.Sprintf("%s: unexpected status %d", op, status), nil)
}
