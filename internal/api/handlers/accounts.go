package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fitmarket/internal/core"
	"fitmarket/internal/types"
)

// RecordReader reads the webhook-maintained billing record.
type RecordReader interface {
	GetRecord(ctx context.Context, accountID string) (*types.BillingRecord, error)
}

// Verifier runs server-side entitlement verification.
type Verifier interface {
	Verify(ctx context.Context, accountID string) (types.VerifyResponse, error)
}

// AccountHandler serves the endpoints the purchase engine polls.
type AccountHandler struct {
	records  RecordReader
	verifier Verifier
	logger   *slog.Logger
}

func NewAccountHandler(records RecordReader, verifier Verifier, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{records: records, verifier: verifier, logger: logger}
}

// RegisterRoutes mounts under the authenticated /v1 group.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/billing-record", h.GetBillingRecord)
		r.Post("/entitlements/verify", h.VerifyEntitlement)
	})
}

// GetBillingRecord answers 404 until the first webhook has written a row.
// The poller treats that as "not yet settled".
func (h *AccountHandler) GetBillingRecord(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := types.WithAccountID(r.Context(), accountID)

	rec, err := h.records.GetRecord(ctx, accountID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read billing record", "account_id", accountID, "error", err)
		core.Error(w, r, err)
		return
	}
	if rec == nil {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundAccount, "no billing record for account", nil,
			map[string]any{"account_id": accountID},
		))
		return
	}
	core.JSON(w, r, http.StatusOK, rec)
}

func (h *AccountHandler) VerifyEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := types.WithAccountID(r.Context(), accountID)

	resp, err := h.verifier.Verify(ctx, accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, resp)
}
