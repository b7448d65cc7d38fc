package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/services"
)

func stripeEvent(eventType, intentID, orderID string) string {
	return fmt.Sprintf(`{
  "id": "evt_%s",
  "object": "event",
  "type": %q,
  "created": 1714550400,
  "data": {"object": {
    "id": %q,
    "object": "payment_intent",
    "status": "succeeded",
    "receipt_email": "alice@example.com",
    "metadata": {"order_id": %q}
  }}
}`, intentID, eventType, intentID, orderID)
}

func (h *apiHarness) deliver(t *testing.T, payload, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return h.do(t, http.MethodPost, "/api/v1/webhooks/payments/stripe", "", string(signed.Payload),
		payments.StripeSignatureHeader, signed.Header)
}

func TestStripeWebhookMarksOrderPaid(t *testing.T) {
	h := newAPIHarness(t)
	order := h.createOrder(t, "alice")
	rr := h.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/payment-intent", bearer(t, "alice"), nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	payload := stripeEvent(payments.EventPaymentSucceeded, "pi_1", order.ID)
	rr = h.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"received":true,"outcome":"applied"}`, rr.Body.String())

	stored, err := h.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaid)
	assert.Equal(t, "processing", string(stored.Status))
	paidAt := stored.PaidAt

	rr = h.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true,"outcome":"duplicate"}`, rr.Body.String())

	replayed, err := h.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, paidAt, replayed.PaidAt)
	assert.Equal(t, stored.PaymentResult, replayed.PaymentResult)
}

func TestStripeWebhookResolvesByMetadataBeforeIntentIsStored(t *testing.T) {
	h := newAPIHarness(t)
	order := h.createOrder(t, "alice")

	rr := h.deliver(t, stripeEvent(payments.EventPaymentSucceeded, "pi_early", order.ID), testWebhookSecret)
	require.Equal(t, http.StatusOK, rr.Code)

	stored, err := h.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaid)
	assert.Equal(t, "pi_early", stored.PaymentIntentID)
}

func TestStripeWebhookAcknowledgesUnmatchedAndIgnoredEvents(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.deliver(t, stripeEvent(payments.EventPaymentSucceeded, "pi_ghost", "ord_ghost"), testWebhookSecret)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true,"outcome":"unmatched"}`, rr.Body.String())

	rr = h.deliver(t, `{"id":"evt_c","object":"event","type":"customer.created","created":1714550400,"data":{"object":{"id":"cus_1","object":"customer"}}}`, testWebhookSecret)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true,"outcome":"ignored"}`, rr.Body.String())
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	h := newAPIHarness(t)
	order := h.createOrder(t, "alice")

	rr := h.deliver(t, stripeEvent(payments.EventPaymentSucceeded, "pi_1", order.ID), "whsec_wrong")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_signature", decodeEnvelope(t, rr).Code)

	rr = h.do(t, http.MethodPost, "/api/v1/webhooks/payments/stripe", "", stripeEvent(payments.EventPaymentSucceeded, "pi_1", order.ID))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	stored, err := h.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPaid)
}

func TestStripeWebhookRejectsReencodedPayload(t *testing.T) {
	h := newAPIHarness(t)
	payload := stripeEvent(payments.EventPaymentSucceeded, "pi_1", "ord_1")
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	compact := strings.Join(strings.Fields(payload), "")

	rr := h.do(t, http.MethodPost, "/api/v1/webhooks/payments/stripe", "", compact, payments.StripeSignatureHeader, signed.Header)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type stubVerifier struct {
	event payments.Event
	err   error
}

func (s stubVerifier) Verify([]byte, string) (payments.Event, error) {
	return s.event, s.err
}

type stubReconciler struct {
	mu     sync.Mutex
	calls  int
	result services.ReconcileResult
	err    error
}

func (s *stubReconciler) Handle(context.Context, payments.Event) (services.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *stubReconciler) PaymentSucceeded(context.Context, services.PaymentNotification) (services.ReconcileResult, error) {
	return s.result, s.err
}

func (s *stubReconciler) PaymentFailed(context.Context, services.PaymentNotification) (services.ReconcileResult, error) {
	return s.result, s.err
}

func serveWebhook(t *testing.T, handlers *PaymentWebhookHandlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(WithWebhookRoutes(handlers.Routes))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/stripe", strings.NewReader(body))
	req.Header.Set(payments.StripeSignatureHeader, "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStripeWebhookStoreFailureIsRetryable(t *testing.T) {
	reconciler := &stubReconciler{err: fmt.Errorf("%w: firestore down", services.ErrOrderUnavailable)}
	handlers := NewPaymentWebhookHandlers(stubVerifier{event: payments.Event{ID: "evt_1", Type: payments.EventPaymentSucceeded}}, reconciler)

	rr := serveWebhook(t, handlers, `{}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 1, reconciler.calls)
}

func TestStripeWebhookMalformedEvent(t *testing.T) {
	reconciler := &stubReconciler{}
	handlers := NewPaymentWebhookHandlers(stubVerifier{err: fmt.Errorf("%w: no data", payments.ErrMalformedEvent)}, reconciler)

	rr := serveWebhook(t, handlers, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_event", decodeEnvelope(t, rr).Code)
	assert.Zero(t, reconciler.calls)

	rr = serveWebhook(t, handlers, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serveWebhook(t, NewPaymentWebhookHandlers(nil, nil), `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStripeWebhookBodyLimit(t *testing.T) {
	reconciler := &stubReconciler{}
	handlers := NewPaymentWebhookHandlers(stubVerifier{event: payments.Event{ID: "evt_1"}}, reconciler, WithWebhookBodyLimit(16))

	rr := serveWebhook(t, handlers, `{"id":"evt_too_large_for_limit"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Zero(t, reconciler.calls)
}

var (
	_ payments.WebhookVerifier   = stubVerifier{}
	_ services.WebhookReconciler = (*stubReconciler)(nil)
)
