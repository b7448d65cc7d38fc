package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/repositories"
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders     repositories.OrderRepository
	Gateway    payments.Gateway
	Reconciler WebhookReconciler
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	gateway    payments.Gateway
	reconciler WebhookReconciler
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService wires the gateway client and order store into a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("payment service: reconciler is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		orders:     deps.Orders,
		gateway:    deps.Gateway,
		reconciler: deps.Reconciler,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreatePaymentIntent refuses paid orders before the gateway is contacted. An open intent already
// attached to the order is returned instead of creating a second one.
func (s *paymentService) CreatePaymentIntent(ctx context.Context, principal *auth.Identity, cmd PaymentIntentCommand) (PaymentIntent, error) {
	order, err := s.loadViewable(ctx, principal, cmd.OrderID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if order.IsPaid {
		return PaymentIntent{}, withReason(ErrOrderAlreadyPaid, reasonAlreadyPaid)
	}
	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusPaymentFailed {
		return PaymentIntent{}, withReasonf(ErrOrderConflict, "order in status %s cannot be paid", order.Status)
	}

	if order.PaymentIntentID != "" {
		existing, err := s.gateway.RetrieveIntent(ctx, order.PaymentIntentID)
		if err != nil {
			return PaymentIntent{}, s.gatewayError(ctx, order.ID, "retrieve", err)
		}
		switch {
		case existing.Status == payments.StatusSucceeded:
			if _, err := s.reconciler.PaymentSucceeded(ctx, notificationFromIntent(order.ID, existing)); err != nil {
				return PaymentIntent{}, err
			}
			return PaymentIntent{}, withReason(ErrOrderAlreadyPaid, reasonAlreadyPaid)
		case existing.Reusable() && existing.Amount == order.Total && existing.Currency == order.Currency:
			return toPaymentIntent(order.ID, existing), nil
		}
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		previous := order.PaymentIntentID
		if previous == "" {
			previous = "initial"
		}
		key = fmt.Sprintf("order-%s-after-%s", order.ID, previous)
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		OrderID:        order.ID,
		Amount:         order.Total,
		Currency:       order.Currency,
		ReceiptEmail:   principal.Email,
		IdempotencyKey: key,
		Metadata:       map[string]string{"user_id": order.UserID},
	})
	if err != nil {
		return PaymentIntent{}, s.gatewayError(ctx, order.ID, "create", err)
	}

	_, err = s.orders.Mutate(ctx, order.ID, func(current *domain.Order) (bool, error) {
		if current.IsPaid {
			return false, withReason(ErrOrderAlreadyPaid, reasonAlreadyPaid)
		}
		if current.PaymentIntentID == intent.ID {
			return false, nil
		}
		current.PaymentIntentID = intent.ID
		current.UpdatedAt = s.clock()
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderAlreadyPaid) {
			return PaymentIntent{}, err
		}
		return PaymentIntent{}, mapRepositoryError(err)
	}

	s.logger(ctx, "payment.intent.created", map[string]any{
		"orderId":  order.ID,
		"intentId": intent.ID,
		"amount":   intent.Amount,
	})
	return toPaymentIntent(order.ID, intent), nil
}

// ConfirmPayment asks the gateway for the intent status and reconciles it like a webhook would.
func (s *paymentService) ConfirmPayment(ctx context.Context, principal *auth.Identity, orderID string) (Order, error) {
	order, err := s.loadViewable(ctx, principal, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.IsPaid {
		return order, nil
	}
	if order.PaymentIntentID == "" {
		return Order{}, withReason(ErrOrderConflict, "order has no payment intent")
	}

	intent, err := s.gateway.RetrieveIntent(ctx, order.PaymentIntentID)
	if err != nil {
		return Order{}, s.gatewayError(ctx, order.ID, "retrieve", err)
	}

	switch intent.Status {
	case payments.StatusSucceeded:
		_, err = s.reconciler.PaymentSucceeded(ctx, notificationFromIntent(order.ID, intent))
	case payments.StatusFailed:
		_, err = s.reconciler.PaymentFailed(ctx, notificationFromIntent(order.ID, intent))
	default:
		return order, nil
	}
	if err != nil {
		return Order{}, err
	}

	refreshed, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return refreshed, nil
}

func (s *paymentService) loadViewable(ctx context.Context, principal *auth.Identity, orderID string) (domain.Order, error) {
	if err := requirePrincipal(principal); err != nil {
		return domain.Order{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, withReason(ErrOrderInvalidInput, "order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	if !CapabilityFor(principal, order).CanView {
		return domain.Order{}, ErrOrderForbidden
	}
	return order, nil
}

func (s *paymentService) gatewayError(ctx context.Context, orderID, op string, err error) error {
	if errors.Is(err, payments.ErrInvalidRequest) {
		return withReason(ErrOrderInvalidInput, err.Error())
	}
	s.logger(ctx, "payment.gateway.failed", map[string]any{
		"orderId": orderID,
		"op":      op,
		"error":   err.Error(),
	})
	return fmt.Errorf("%w: %s: %v", ErrPaymentGateway, op, err)
}

func notificationFromIntent(orderID string, intent payments.Intent) PaymentNotification {
	return PaymentNotification{
		IntentID:      intent.ID,
		GatewayStatus: intent.GatewayStatus,
		PayerEmail:    intent.PayerEmail,
		Metadata:      map[string]string{payments.MetadataOrderID: orderID},
	}
}

func toPaymentIntent(orderID string, intent payments.Intent) PaymentIntent {
	return PaymentIntent{
		OrderID:      orderID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Status:       intent.Status,
	}
}
