package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/repositories/memory"
)

var (
	customer      = &auth.Identity{UID: "user-alice", Email: "alice@example.com", Roles: []string{auth.RoleUser}}
	otherCustomer = &auth.Identity{UID: "user-bob", Email: "bob@example.com", Roles: []string{auth.RoleUser}}
	admin         = &auth.Identity{UID: "staff-carol", Roles: []string{auth.RoleAdmin}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fakeGateway struct {
	mu        sync.Mutex
	intents   map[string]payments.Intent
	requests  []payments.IntentRequest
	retrieves int
	createErr error
	getErr    error
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: make(map[string]payments.Intent)}
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return payments.Intent{}, g.createErr
	}
	g.seq++
	intent := payments.Intent{
		ID:            fmt.Sprintf("pi_test_%d", g.seq),
		ClientSecret:  fmt.Sprintf("pi_test_%d_secret", g.seq),
		Status:        payments.StatusPending,
		GatewayStatus: "requires_payment_method",
		Amount:        req.Amount,
		Currency:      req.Currency,
		Metadata:      map[string]string{payments.MetadataOrderID: req.OrderID},
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, intentID string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retrieves++
	if g.getErr != nil {
		return payments.Intent{}, g.getErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return payments.Intent{}, fmt.Errorf("%w: no such intent %s", payments.ErrGateway, intentID)
	}
	return intent, nil
}

func (g *fakeGateway) settle(intentID string, status payments.Status, gatewayStatus, email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := g.intents[intentID]
	intent.Status = status
	intent.GatewayStatus = gatewayStatus
	intent.PayerEmail = email
	g.intents[intentID] = intent
}

func (g *fakeGateway) calls() (creates, retrieves int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests), g.retrieves
}

type harness struct {
	clock      *testClock
	orders     *memory.OrderRepository
	catalog    *memory.CatalogRepository
	events     *recordingPublisher
	gateway    *fakeGateway
	svc        OrderService
	payments   PaymentService
	reconciler WebhookReconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  newTestClock(),
		orders: memory.NewOrderRepository(),
		catalog: memory.NewCatalogRepository(
			domain.Product{ID: "P1", Name: "Walnut desk organiser", Image: "https://cdn.example.com/p1.jpg", Price: 10, Currency: "usd"},
			domain.Product{ID: "P2", Name: "Brass pen cup", Image: "https://cdn.example.com/p2.jpg", Price: 1250, Currency: "usd"},
			domain.Product{ID: "P-EUR", Name: "Imported lamp", Price: 4000, Currency: "eur"},
		),
		events:  &recordingPublisher{},
		gateway: newFakeGateway(),
	}

	var seq int
	var mu sync.Mutex
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:  h.orders,
		Catalog: h.catalog,
		Clock:   h.clock.Now,
		IDGenerator: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("TEST%04d", seq)
		},
		Events: h.events,
	})
	require.NoError(t, err)
	h.svc = svc

	reconciler, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Orders: h.orders,
		Clock:  h.clock.Now,
		Events: h.events,
	})
	require.NoError(t, err)
	h.reconciler = reconciler

	paymentSvc, err := NewPaymentService(PaymentServiceDeps{
		Orders:     h.orders,
		Gateway:    h.gateway,
		Reconciler: reconciler,
		Clock:      h.clock.Now,
	})
	require.NoError(t, err)
	h.payments = paymentSvc
	return h
}

func validCommand(items ...OrderItemInput) CreateOrderCommand {
	if len(items) == 0 {
		items = []OrderItemInput{{ProductID: "P1", Quantity: 2}}
	}
	return CreateOrderCommand{
		Items: items,
		ShippingAddress: ShippingAddress{
			Address:    "1 Market St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		PaymentMethod: "stripe",
		Tax:           2,
		Shipping:      5,
	}
}

func (h *harness) createOrder(t *testing.T) Order {
	t.Helper()
	order, err := h.svc.CreateOrder(context.Background(), customer, validCommand())
	require.NoError(t, err)
	return order
}

// seedOrder stores an order in an arbitrary status, bypassing the service.
func (h *harness) seedOrder(t *testing.T, id string, status domain.OrderStatus, intentID string) Order {
	t.Helper()
	now := h.clock.Now()
	order := domain.Order{
		ID:              id,
		UserID:          customer.UID,
		Items:           []domain.OrderItem{{ProductID: "P1", Name: "Walnut desk organiser", Price: 10, Quantity: 2}},
		PaymentMethod:   "stripe",
		Currency:        "usd",
		Tax:             2,
		Shipping:        5,
		Status:          status,
		PaymentIntentID: intentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	switch status {
	case domain.OrderStatusShipped:
		order.IsPaid = true
		order.PaidAt = &now
	case domain.OrderStatusDelivered:
		order.IsPaid = true
		order.PaidAt = &now
		order.IsDelivered = true
		order.DeliveredAt = &now
	}
	require.NoError(t, h.orders.Insert(context.Background(), order))
	stored, err := h.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return stored
}

func (h *harness) stored(t *testing.T, id string) Order {
	t.Helper()
	order, err := h.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return order
}

func requireOrderInvariants(t *testing.T, order Order) {
	t.Helper()
	require.Equal(t, order.ItemsSubtotal+order.Tax+order.Shipping, order.Total, "total must equal its components")
	delivered := order.Status == domain.OrderStatusDelivered && order.DeliveredAt != nil
	require.Equal(t, delivered, order.IsDelivered, "isDelivered must match status and deliveredAt")
	if order.IsPaid {
		require.NotNil(t, order.PaidAt)
	}
}
