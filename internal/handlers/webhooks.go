package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/httpx"
	"github.com/retailcore/orders/internal/platform/requestctx"
	"github.com/retailcore/orders/internal/services"
)

const maxWebhookBodySize = 512 * 1024

// PaymentWebhookHandlers receives signed gateway notifications.
type PaymentWebhookHandlers struct {
	verifier   payments.WebhookVerifier
	reconciler services.WebhookReconciler
	bodyLimit  int64
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*PaymentWebhookHandlers)

// WithWebhookBodyLimit caps the accepted payload size in bytes.
func WithWebhookBodyLimit(limit int64) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if limit > 0 {
			h.bodyLimit = limit
		}
	}
}

// NewPaymentWebhookHandlers builds the PSP webhook endpoint. verifier checks the signature over the
// raw body before reconciler sees the event; with either missing the endpoint answers 503.
func NewPaymentWebhookHandlers(verifier payments.WebhookVerifier, reconciler services.WebhookReconciler, opts ...WebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{verifier: verifier, reconciler: reconciler, bodyLimit: maxWebhookBodySize}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /payments/stripe under the webhook group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	// Signatures cover the raw bytes; the payload must not be re-encoded before Verify.
	payload, err := readLimitedBody(r, h.bodyLimit)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get(payments.StripeSignatureHeader))
	if err != nil {
		logger := requestctx.Logger(ctx)
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			logger.Warn("payment webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		default:
			logger.Warn("payment webhook payload rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook payload is malformed", http.StatusBadRequest))
		}
		return
	}

	result, err := h.reconciler.Handle(ctx, event)
	if err != nil {
		requestctx.Logger(ctx).Error("payment webhook reconciliation failed",
			zap.String("eventId", event.ID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "webhook could not be processed", http.StatusInternalServerError))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, webhookAckPayload{
		Received: true,
		Outcome:  string(result.Outcome),
	})
}

type webhookAckPayload struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}
