package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/repositories"
	"github.com/retailcore/orders/internal/repositories/memory"
)

func TestCreateOrderComputesTotalsServerSide(t *testing.T) {
	h := newHarness(t)

	order, err := h.svc.CreateOrder(context.Background(), customer, validCommand())
	require.NoError(t, err)

	assert.Equal(t, "ord_TEST0001", order.ID)
	assert.Equal(t, customer.UID, order.UserID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(20), order.ItemsSubtotal)
	assert.Equal(t, int64(27), order.Total)
	assert.False(t, order.IsPaid)
	assert.False(t, order.IsDelivered)
	assert.Equal(t, "usd", order.Currency)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Walnut desk organiser", order.Items[0].Name)
	assert.Equal(t, int64(10), order.Items[0].Price)

	stored := h.stored(t, order.ID)
	assert.Equal(t, order, stored)
	requireOrderInvariants(t, stored)
	assert.Equal(t, []string{orderEventCreated}, h.events.types())
}

func TestCreateOrderSnapshotsCatalogPrices(t *testing.T) {
	h := newHarness(t)

	order, err := h.svc.CreateOrder(context.Background(), customer, validCommand(
		OrderItemInput{ProductID: "P1", Quantity: 3},
		OrderItemInput{ProductID: "P2", Quantity: 1},
	))
	require.NoError(t, err)
	assert.Equal(t, int64(3*10+1250), order.ItemsSubtotal)
	assert.Equal(t, order.ItemsSubtotal+7, order.Total)
}

func TestCreateOrderRejectsEmptyItems(t *testing.T) {
	h := newHarness(t)

	cmd := validCommand()
	cmd.Items = nil
	_, err := h.svc.CreateOrder(context.Background(), customer, cmd)

	require.ErrorIs(t, err, ErrOrderInvalidInput)
	assert.Equal(t, "No order items", Reason(err))
}

func TestCreateOrderIsAllOrNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateOrder(context.Background(), customer, validCommand(
		OrderItemInput{ProductID: "P1", Quantity: 1},
		OrderItemInput{ProductID: "missing", Quantity: 1},
	))
	require.ErrorIs(t, err, ErrOrderInvalidInput)
	assert.Equal(t, "One or more products not found", Reason(err))

	page, err := h.orders.List(context.Background(), repositories.OrderListFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, h.events.types())
}

func TestCreateOrderValidation(t *testing.T) {
	cases := map[string]func(*CreateOrderCommand){
		"zero quantity":      func(c *CreateOrderCommand) { c.Items[0].Quantity = 0 },
		"blank product":      func(c *CreateOrderCommand) { c.Items[0].ProductID = "  " },
		"missing city":       func(c *CreateOrderCommand) { c.ShippingAddress.City = "" },
		"missing payment":    func(c *CreateOrderCommand) { c.PaymentMethod = "" },
		"negative tax":       func(c *CreateOrderCommand) { c.Tax = -1 },
		"negative shipping":  func(c *CreateOrderCommand) { c.Shipping = -5 },
		"unknown currency":   func(c *CreateOrderCommand) { c.Currency = "zzz" },
		"currency mismatch":  func(c *CreateOrderCommand) { c.Items[0].ProductID = "P-EUR" },
		"too many quantity":  func(c *CreateOrderCommand) { c.Items[0].Quantity = maxItemQuantity + 1 },
		"too many line item": func(c *CreateOrderCommand) { c.Items = make([]OrderItemInput, maxOrderItems+1) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			cmd := validCommand()
			mutate(&cmd)
			_, err := h.svc.CreateOrder(context.Background(), customer, cmd)
			require.ErrorIs(t, err, ErrOrderInvalidInput)
			assert.NotEmpty(t, Reason(err))
		})
	}
}

func TestCreateOrderRejectsOverflowingAmounts(t *testing.T) {
	cases := map[string]func(*CreateOrderCommand){
		"tax at int64 max":      func(c *CreateOrderCommand) { c.Tax = math.MaxInt64 },
		"shipping at int64 max": func(c *CreateOrderCommand) { c.Shipping = math.MaxInt64 },
		"tax plus shipping":     func(c *CreateOrderCommand) { c.Tax, c.Shipping = math.MaxInt64/2, math.MaxInt64/2 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			cmd := validCommand()
			mutate(&cmd)
			_, err := h.svc.CreateOrder(context.Background(), customer, cmd)
			require.ErrorIs(t, err, ErrOrderInvalidInput)
			assert.Equal(t, "order amounts are out of range", Reason(err))

			page, err := h.orders.List(context.Background(), repositories.OrderListFilter{})
			require.NoError(t, err)
			assert.Empty(t, page.Items)
		})
	}
}

func TestCreateOrderSanitizesNotes(t *testing.T) {
	h := newHarness(t)

	cmd := validCommand()
	cmd.Notes = "  <b>fragile</b>, leave at door "
	order, err := h.svc.CreateOrder(context.Background(), customer, cmd)
	require.NoError(t, err)
	assert.Equal(t, "fragile, leave at door", order.Notes)
}

func TestCreateOrderRequiresPrincipal(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateOrder(context.Background(), nil, validCommand())
	require.ErrorIs(t, err, ErrOrderUnauthenticated)
}

func TestCreateOrderSurvivesPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("pubsub down")

	order, err := h.svc.CreateOrder(context.Background(), customer, validCommand())
	require.NoError(t, err)
	assert.Equal(t, order.ID, h.stored(t, order.ID).ID)
}

func TestCreateOrderMapsStoreOutage(t *testing.T) {
	h := newHarness(t)
	h.orders.FailWith = memory.Unavailable("orders.insert")

	_, err := h.svc.CreateOrder(context.Background(), customer, validCommand())
	require.ErrorIs(t, err, ErrOrderUnavailable)
}

func TestGetOrderAuthorization(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t)

	got, err := h.svc.GetOrder(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = h.svc.GetOrder(context.Background(), admin, order.ID)
	require.NoError(t, err)

	_, err = h.svc.GetOrder(context.Background(), otherCustomer, order.ID)
	require.ErrorIs(t, err, ErrOrderForbidden)

	_, err = h.svc.GetOrder(context.Background(), customer, "ord_missing")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.GetOrder(context.Background(), nil, order.ID)
	require.ErrorIs(t, err, ErrOrderUnauthenticated)
}

func TestListOwnOrdersNeverLeaksOtherCustomers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.CreateOrder(ctx, customer, validCommand())
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}
	foreign, err := h.svc.CreateOrder(ctx, otherCustomer, validCommand())
	require.NoError(t, err)

	page, err := h.svc.ListOwnOrders(ctx, customer, PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	for _, order := range page.Items {
		assert.Equal(t, customer.UID, order.UserID)
		assert.NotEqual(t, foreign.ID, order.ID)
	}
	assert.True(t, page.Items[0].CreatedAt.After(page.Items[2].CreatedAt), "newest first")

	first, err := h.svc.ListOwnOrders(ctx, customer, PageRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextPageToken)

	second, err := h.svc.ListOwnOrders(ctx, customer, PageRequest{PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextPageToken)

	_, err = h.svc.ListOwnOrders(ctx, customer, PageRequest{PageToken: "!!!"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}

func TestAdminListOrdersFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_a", domain.OrderStatusPending, "")
	h.seedOrder(t, "ord_b", domain.OrderStatusShipped, "")
	h.seedOrder(t, "ord_c", domain.OrderStatusCancelled, "")

	page, err := h.svc.AdminListOrders(context.Background(), admin, AdminOrderFilter{Statuses: []string{"Shipped", "canceled"}})
	require.NoError(t, err)
	ids := []string{}
	for _, order := range page.Items {
		ids = append(ids, order.ID)
	}
	assert.ElementsMatch(t, []string{"ord_b", "ord_c"}, ids)

	_, err = h.svc.AdminListOrders(context.Background(), customer, AdminOrderFilter{})
	require.ErrorIs(t, err, ErrOrderForbidden)

	_, err = h.svc.AdminListOrders(context.Background(), admin, AdminOrderFilter{Statuses: []string{"lost"}})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}

func TestAdminUpdateStatusRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t)

	_, err := h.svc.AdminUpdateStatus(context.Background(), customer, AdminStatusCommand{OrderID: order.ID, Status: "Cancelled"})
	require.ErrorIs(t, err, ErrOrderForbidden)
	assert.Equal(t, domain.OrderStatusPending, h.stored(t, order.ID).Status)

	_, err = h.svc.AdminUpdateStatus(context.Background(), admin, AdminStatusCommand{OrderID: "ord_missing", Status: "Cancelled"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.AdminUpdateStatus(context.Background(), admin, AdminStatusCommand{OrderID: order.ID, Status: "Lost"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}

func TestAdminUpdateStatusDeliveryFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedOrder(t, "ord_flow", domain.OrderStatusProcessing, "")

	_, err := h.svc.AdminUpdateStatus(ctx, admin, AdminStatusCommand{OrderID: "ord_flow", Status: "Delivered"})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)
	assert.Contains(t, Reason(err), "processing")
	assert.Contains(t, Reason(err), "delivered")
	unchanged := h.stored(t, "ord_flow")
	assert.Equal(t, domain.OrderStatusProcessing, unchanged.Status)
	assert.False(t, unchanged.IsDelivered)

	h.clock.Advance(time.Hour)
	shipped, err := h.svc.AdminUpdateStatus(ctx, admin, AdminStatusCommand{OrderID: "ord_flow", Status: "Shipped", TrackingNumber: "1Z999"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, shipped.Status)
	assert.Equal(t, "1Z999", shipped.TrackingNumber)
	requireOrderInvariants(t, shipped)

	h.clock.Advance(24 * time.Hour)
	delivered, err := h.svc.AdminUpdateStatus(ctx, admin, AdminStatusCommand{OrderID: "ord_flow", Status: "Delivered"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, delivered.Status)
	assert.True(t, delivered.IsDelivered)
	require.NotNil(t, delivered.DeliveredAt)
	assert.Equal(t, h.clock.Now(), *delivered.DeliveredAt)
	requireOrderInvariants(t, h.stored(t, "ord_flow"))

	assert.Equal(t, []string{orderEventStatusChanged, orderEventStatusChanged}, h.events.types())
}

func TestAdminUpdateStatusFollowsTransitionTable(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
		domain.OrderStatusPaymentFailed,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				h := newHarness(t)
				before := h.seedOrder(t, "ord_x", from, "")

				after, err := h.svc.AdminUpdateStatus(context.Background(), admin, AdminStatusCommand{OrderID: "ord_x", Status: string(to)})
				if domain.CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, after.Status)
					requireOrderInvariants(t, after)
					return
				}
				require.ErrorIs(t, err, ErrOrderInvalidTransition)
				assert.Equal(t, before, h.stored(t, "ord_x"))
			})
		}
	}
}

func TestAdminProcessingDoesNotMarkPaid(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_manual", domain.OrderStatusPending, "")

	order, err := h.svc.AdminUpdateStatus(context.Background(), admin, AdminStatusCommand{OrderID: "ord_manual", Status: "processing"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.False(t, order.IsPaid)
}

func TestCapabilityFor(t *testing.T) {
	order := domain.Order{ID: "ord_1", UserID: customer.UID}

	assert.Equal(t, Capability{CanView: true}, CapabilityFor(customer, order))
	assert.Equal(t, Capability{}, CapabilityFor(otherCustomer, order))
	assert.Equal(t, Capability{CanView: true, CanMutateStatus: true}, CapabilityFor(admin, order))
	assert.Equal(t, Capability{}, CapabilityFor(nil, order))
	assert.Equal(t, Capability{}, CapabilityFor(otherCustomer, domain.Order{ID: "ord_2"}))
}
