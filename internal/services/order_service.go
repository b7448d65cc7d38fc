package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/pagination"
	"github.com/retailcore/orders/internal/repositories"
)

const (
	orderEventCreated               = "order.created"
	orderEventStatusChanged         = "order.status_changed"
	orderEventPaid                  = "order.paid"
	orderEventPaymentFailed         = "order.payment_failed"
	orderEventReconciliationWarning = "order.reconciliation_warning"

	orderIDPrefix = "ord_"

	maxOrderItems      = 100
	maxItemQuantity    = 999
	maxNotesLength     = 2000
	maxTrackingLength  = 64
	defaultCurrencyISO = "usd"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Catalog         repositories.CatalogRepository
	Clock           func() time.Time
	IDGenerator     func() string
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
	DefaultCurrency string
}

type orderService struct {
	orders          repositories.OrderRepository
	catalog         repositories.CatalogRepository
	clock           func() time.Time
	newID           func() string
	events          OrderEventPublisher
	logger          func(context.Context, string, map[string]any)
	notesPolicy     *bluemonday.Policy
	defaultCurrency string
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := defaultCurrencyISO
	if strings.TrimSpace(deps.DefaultCurrency) != "" {
		normalized, err := payments.NormalizeCurrency(deps.DefaultCurrency)
		if err != nil {
			return nil, fmt.Errorf("order service: default currency: %w", err)
		}
		currency = normalized
	}

	return &orderService{
		orders:  deps.Orders,
		catalog: deps.Catalog,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:           newID,
		events:          deps.Events,
		logger:          logger,
		notesPolicy:     bluemonday.StrictPolicy(),
		defaultCurrency: currency,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, principal *auth.Identity, cmd CreateOrderCommand) (Order, error) {
	if err := requirePrincipal(principal); err != nil {
		return Order{}, err
	}
	if len(cmd.Items) == 0 {
		return Order{}, withReason(ErrOrderInvalidInput, reasonNoItems)
	}
	if len(cmd.Items) > maxOrderItems {
		return Order{}, withReasonf(ErrOrderInvalidInput, "at most %d order items are allowed", maxOrderItems)
	}

	productIDs := make([]string, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return Order{}, withReasonf(ErrOrderInvalidInput, "item %d: product id is required", i)
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			return Order{}, withReasonf(ErrOrderInvalidInput, "item %d: quantity must be between 1 and %d", i, maxItemQuantity)
		}
		productIDs = append(productIDs, id)
	}

	address, err := normalizeAddress(cmd.ShippingAddress)
	if err != nil {
		return Order{}, err
	}
	paymentMethod := strings.TrimSpace(cmd.PaymentMethod)
	if paymentMethod == "" {
		return Order{}, withReason(ErrOrderInvalidInput, "payment method is required")
	}
	if cmd.Tax < 0 || cmd.Shipping < 0 {
		return Order{}, withReason(ErrOrderInvalidInput, "tax and shipping must not be negative")
	}

	currency := s.defaultCurrency
	if strings.TrimSpace(cmd.Currency) != "" {
		normalized, err := payments.NormalizeCurrency(cmd.Currency)
		if err != nil {
			return Order{}, withReasonf(ErrOrderInvalidInput, "unsupported currency %q", cmd.Currency)
		}
		currency = normalized
	}

	notes := strings.TrimSpace(s.notesPolicy.Sanitize(cmd.Notes))
	if utf8.RuneCountInString(notes) > maxNotesLength {
		return Order{}, withReasonf(ErrOrderInvalidInput, "notes must be at most %d characters", maxNotesLength)
	}

	products, err := s.catalog.FindProducts(ctx, productIDs)
	if err != nil {
		return Order{}, fmt.Errorf("%w: catalog lookup: %v", ErrOrderUnavailable, err)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for i, input := range cmd.Items {
		product, ok := products[productIDs[i]]
		if !ok {
			s.logger(ctx, "order.create.product_missing", map[string]any{
				"productId": productIDs[i],
				"userId":    principal.UID,
			})
			return Order{}, withReason(ErrOrderInvalidInput, reasonProductsNotFound)
		}
		if product.Currency != "" && product.Currency != currency {
			return Order{}, withReasonf(ErrOrderInvalidInput, "product %s is not sold in %s", product.ID, strings.ToUpper(currency))
		}
		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Image:     product.Image,
			Price:     product.Price,
			Quantity:  input.Quantity,
		})
	}

	totals, err := domain.CheckedTotal(items, cmd.Tax, cmd.Shipping)
	if err != nil {
		return Order{}, withReason(ErrOrderInvalidInput, "order amounts are out of range")
	}
	now := s.clock()
	order := domain.Order{
		ID:              s.nextOrderID(),
		UserID:          principal.UID,
		Items:           items,
		ShippingAddress: address,
		PaymentMethod:   paymentMethod,
		Currency:        currency,
		ItemsSubtotal:   totals.ItemsSubtotal,
		Tax:             totals.Tax,
		Shipping:        totals.Shipping,
		Total:           totals.Total,
		Status:          domain.OrderStatusPending,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"userId":  order.UserID,
		"total":   order.Total,
		"items":   len(order.Items),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:       orderEventCreated,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Metadata: map[string]string{
			"total":    fmt.Sprintf("%d", order.Total),
			"currency": order.Currency,
		},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, principal *auth.Identity, orderID string) (Order, error) {
	if err := requirePrincipal(principal); err != nil {
		return Order{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, withReason(ErrOrderInvalidInput, "order id is required")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if !CapabilityFor(principal, order).CanView {
		return Order{}, ErrOrderForbidden
	}
	return order, nil
}

func (s *orderService) ListOwnOrders(ctx context.Context, principal *auth.Identity, page PageRequest) (OrderPage, error) {
	if err := requirePrincipal(principal); err != nil {
		return OrderPage{}, err
	}
	return s.list(ctx, repositories.OrderListFilter{
		UserID:    principal.UID,
		PageSize:  page.PageSize,
		PageToken: page.PageToken,
	})
}

func (s *orderService) AdminListOrders(ctx context.Context, principal *auth.Identity, filter AdminOrderFilter) (OrderPage, error) {
	if err := requirePrincipal(principal); err != nil {
		return OrderPage{}, err
	}
	if !isAdmin(principal) {
		return OrderPage{}, ErrOrderForbidden
	}

	statuses := make([]domain.OrderStatus, 0, len(filter.Statuses))
	for _, raw := range filter.Statuses {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			return OrderPage{}, withReasonf(ErrOrderInvalidInput, "unknown status %q", raw)
		}
		statuses = append(statuses, status)
	}

	return s.list(ctx, repositories.OrderListFilter{
		UserID:    strings.TrimSpace(filter.UserID),
		Statuses:  statuses,
		PageSize:  filter.Page.PageSize,
		PageToken: filter.Page.PageToken,
	})
}

func (s *orderService) list(ctx context.Context, filter repositories.OrderListFilter) (OrderPage, error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return OrderPage{}, withReason(ErrOrderInvalidInput, "invalid page token")
		}
		return OrderPage{}, mapRepositoryError(err)
	}
	if page.Items == nil {
		page.Items = []domain.Order{}
	}
	return page, nil
}

func (s *orderService) AdminUpdateStatus(ctx context.Context, principal *auth.Identity, cmd AdminStatusCommand) (Order, error) {
	if err := requirePrincipal(principal); err != nil {
		return Order{}, err
	}
	if !isAdmin(principal) {
		return Order{}, ErrOrderForbidden
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, withReason(ErrOrderInvalidInput, "order id is required")
	}
	requested, ok := domain.ParseOrderStatus(cmd.Status)
	if !ok {
		return Order{}, withReasonf(ErrOrderInvalidInput, "unknown status %q", cmd.Status)
	}
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if len(tracking) > maxTrackingLength {
		return Order{}, withReasonf(ErrOrderInvalidInput, "tracking number must be at most %d characters", maxTrackingLength)
	}

	var previous domain.OrderStatus
	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		previous = order.Status
		if requested == domain.OrderStatusPaymentFailed && order.IsPaid {
			return false, withReasonf(ErrOrderInvalidTransition, "order is already paid; status cannot change to %s", requested)
		}
		decision, err := domain.TransitionOrder(*order, requested, domain.CauseAdmin)
		if err != nil {
			return false, withReasonf(ErrOrderInvalidTransition, "cannot change status from %s to %s", order.Status, requested)
		}
		decision.Apply(order, s.clock())
		if decision.To == domain.OrderStatusShipped && tracking != "" {
			order.TrackingNumber = tracking
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderInvalidTransition) {
			s.logger(ctx, "order.status.rejected", map[string]any{
				"orderId":   orderID,
				"requested": string(requested),
				"actorId":   principal.UID,
			})
			return Order{}, err
		}
		return Order{}, mapRepositoryError(err)
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": updated.ID,
		"from":    string(previous),
		"to":      string(updated.Status),
		"actorId": principal.UID,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:       orderEventStatusChanged,
		OrderID:    updated.ID,
		UserID:     updated.UserID,
		Status:     updated.Status,
		PrevStatus: previous,
		OccurredAt: updated.UpdatedAt,
		Metadata:   map[string]string{"actorId": principal.UID},
	})
	return updated, nil
}

func (s *orderService) nextOrderID() string {
	id := strings.TrimSpace(s.newID())
	if strings.HasPrefix(id, orderIDPrefix) {
		return id
	}
	return orderIDPrefix + id
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if publisher == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.Status),
		})
	}
}

func normalizeAddress(address domain.ShippingAddress) (domain.ShippingAddress, error) {
	address.Address = strings.TrimSpace(address.Address)
	address.City = strings.TrimSpace(address.City)
	address.PostalCode = strings.TrimSpace(address.PostalCode)
	address.Country = strings.TrimSpace(address.Country)

	var missing []string
	if address.Address == "" {
		missing = append(missing, "address")
	}
	if address.City == "" {
		missing = append(missing, "city")
	}
	if address.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if address.Country == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return address, withReasonf(ErrOrderInvalidInput, "shipping address requires %s", strings.Join(missing, ", "))
	}
	return address, nil
}
