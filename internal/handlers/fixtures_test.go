package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/idempotency"
	"github.com/retailcore/orders/internal/repositories/memory"
	"github.com/retailcore/orders/internal/services"
)

const (
	testTokenSecret   = "dev-secret"
	testWebhookSecret = "whsec_handlers"
)

type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	intents map[string]payments.Intent
	err     error
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payments.Intent{}, g.err
	}
	g.seq++
	intent := payments.Intent{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		Status:       payments.StatusPending,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Metadata:     map[string]string{payments.MetadataOrderID: req.OrderID},
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, intentID string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return payments.Intent{}, fmt.Errorf("%w: unknown intent", payments.ErrGateway)
	}
	return intent, nil
}

type apiHarness struct {
	orders  *memory.OrderRepository
	gateway *fakeGateway
	router  http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	orders := memory.NewOrderRepository()
	catalog := memory.NewCatalogRepository(
		domain.Product{ID: "P1", Name: "Walnut desk organiser", Price: 1000, Currency: "usd"},
		domain.Product{ID: "P2", Name: "Brass pen cup", Price: 250, Currency: "usd"},
	)
	gateway := &fakeGateway{intents: make(map[string]payments.Intent)}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{Orders: orders, Catalog: catalog})
	require.NoError(t, err)
	reconciler, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{Orders: orders})
	require.NoError(t, err)
	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     orders,
		Gateway:    gateway,
		Reconciler: reconciler,
	})
	require.NoError(t, err)

	verifier, err := auth.NewDevTokenVerifier(testTokenSecret)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(verifier)
	webhookVerifier, err := payments.NewStripeWebhookVerifier(testWebhookSecret, time.Minute)
	require.NoError(t, err)

	orderHandlers := NewOrderHandlers(authn, orderSvc, paymentSvc,
		WithIdempotency(idempotency.Middleware(idempotency.NewMemoryStore())),
	)
	adminHandlers := NewAdminOrderHandlers(authn, orderSvc)
	webhookHandlers := NewPaymentWebhookHandlers(webhookVerifier, reconciler)

	router := NewRouter(
		WithOrderRoutes(orderHandlers.Routes),
		WithAdminRoutes(adminHandlers.Routes),
		WithWebhookRoutes(webhookHandlers.Routes),
	)
	return &apiHarness{orders: orders, gateway: gateway, router: router}
}

func bearer(t *testing.T, uid string, roles ...string) string {
	t.Helper()
	token, err := auth.SignDevToken(testTokenSecret, uid, uid+"@example.com", time.Now().Add(time.Hour).Unix(), roles...)
	require.NoError(t, err)
	return "Bearer " + token
}

func (h *apiHarness) do(t *testing.T, method, path, authz string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func decodeOrder(t *testing.T, rr *httptest.ResponseRecorder) orderPayload {
	t.Helper()
	env := decodeEnvelope(t, rr)
	require.True(t, env.Success, rr.Body.String())
	var order orderPayload
	require.NoError(t, json.Unmarshal(env.Data, &order))
	return order
}

func validOrderBody() map[string]any {
	return map[string]any{
		"orderItems": []map[string]any{
			{"productId": "P1", "quantity": 2, "price": 1},
			{"productId": "P2", "quantity": 1},
		},
		"shippingAddress": map[string]any{
			"address":    "1 Market St",
			"city":       "Springfield",
			"postalCode": "12345",
			"country":    "US",
		},
		"paymentMethod": "stripe",
		"taxPrice":      100,
		"shippingPrice": 500,
		"totalPrice":    1,
	}
}

func (h *apiHarness) createOrder(t *testing.T, uid string) orderPayload {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/v1/orders", bearer(t, uid), validOrderBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeOrder(t, rr)
}

func jsonData(t *testing.T, rr *httptest.ResponseRecorder, dst any) error {
	t.Helper()
	env := decodeEnvelope(t, rr)
	require.True(t, env.Success, rr.Body.String())
	return json.Unmarshal(env.Data, dst)
}
