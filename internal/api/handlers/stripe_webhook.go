// Package handlers contains the HTTP handlers for the billing API.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fitmarket/internal/core"
	"fitmarket/internal/external"
	"fitmarket/internal/types"
	"fitmarket/internal/webhooks"
)

// StripeWebhookHandler receives Stripe events. It sits outside the /v1 auth
// group; the Stripe-Signature header is the credential.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	sink     webhooks.Sink
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeWebhookHandler builds the handler. sink is either an
// EventApplier (inline) or a QueuePublisher (hand-off to the worker).
func NewStripeWebhookHandler(verifier external.WebhookVerifier, sink webhooks.Sink, secret types.SecretString, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		sink:     sink,
		secret:   secret,
		logger:   logger,
	}
}

func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies and forwards one event.
//
// Status codes tell Stripe whether to redeliver:
//   - 400/401 for a body or signature that will never be accepted.
//   - 200 once the event is applied or queued, and for events that can
//     never apply (unknown account, unusable payload after parsing).
//   - 5xx for transient failures, so Stripe retries. ApplyEvent is
//     idempotent, which makes redelivery safe.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := core.ReadBody(w, r)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, err)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	err = h.sink.Accept(ctx, payload)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case types.CodeOf(err) == types.ErrCodeWebhookPayloadInvalid:
		h.logger.WarnContext(ctx, "rejected webhook payload", "error", err)
		core.Error(w, r, err)
	case webhooks.Permanent(err):
		h.logger.WarnContext(ctx, "webhook event dropped", "error", err)
		w.WriteHeader(http.StatusOK)
	default:
		h.logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		core.Error(w, r, err)
	}
}
