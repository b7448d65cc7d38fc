package services

import (
	"context"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	OrderStatus     = domain.OrderStatus
	OrderEvent      = domain.OrderEvent
	ShippingAddress = domain.ShippingAddress
	PaymentResult   = domain.PaymentResult
	OrderPage       = domain.CursorPage[domain.Order]
)

// OrderService owns order creation, queries and admin-driven status changes.
type OrderService interface {
	CreateOrder(ctx context.Context, principal *auth.Identity, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, principal *auth.Identity, orderID string) (Order, error)
	ListOwnOrders(ctx context.Context, principal *auth.Identity, page PageRequest) (OrderPage, error)
	AdminUpdateStatus(ctx context.Context, principal *auth.Identity, cmd AdminStatusCommand) (Order, error)
	AdminListOrders(ctx context.Context, principal *auth.Identity, filter AdminOrderFilter) (OrderPage, error)
}

// PaymentService opens payment intents for orders and confirms them synchronously.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, principal *auth.Identity, cmd PaymentIntentCommand) (PaymentIntent, error)
	ConfirmPayment(ctx context.Context, principal *auth.Identity, orderID string) (Order, error)
}

// WebhookReconciler applies gateway notifications to orders. Every method is safe to call repeatedly
// with the same notification.
type WebhookReconciler interface {
	Handle(ctx context.Context, event payments.Event) (ReconcileResult, error)
	PaymentSucceeded(ctx context.Context, n PaymentNotification) (ReconcileResult, error)
	PaymentFailed(ctx context.Context, n PaymentNotification) (ReconcileResult, error)
}

// SystemService reports readiness of backing dependencies.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// CreateOrderCommand carries a customer's order submission. Totals are always recomputed.
type CreateOrderCommand struct {
	Items           []OrderItemInput
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Currency        string
	Tax             int64
	Shipping        int64
	Notes           string
}

// OrderItemInput references a catalog product; name, price and image are snapshotted from the catalog.
type OrderItemInput struct {
	ProductID string
	Quantity  int
}

// PageRequest selects a page of a cursor-paginated listing.
type PageRequest struct {
	PageSize  int
	PageToken string
}

// AdminStatusCommand requests a fulfillment status change.
type AdminStatusCommand struct {
	OrderID        string
	Status         string
	TrackingNumber string
}

// AdminOrderFilter narrows the admin order listing.
type AdminOrderFilter struct {
	Statuses []string
	UserID   string
	Page     PageRequest
}

// PaymentIntentCommand asks for a payment intent on an order.
type PaymentIntentCommand struct {
	OrderID        string
	IdempotencyKey string
}

// PaymentIntent is what the client needs to complete payment with the gateway.
type PaymentIntent struct {
	OrderID      string
	IntentID     string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       payments.Status
}

// PaymentNotification is a gateway report about an intent, from a webhook or a synchronous confirmation.
type PaymentNotification struct {
	EventID        string
	IntentID       string
	GatewayStatus  string
	PayerEmail     string
	FailureMessage string
	Metadata       map[string]string
}

// ReconcileOutcome describes what a notification did to the order.
type ReconcileOutcome string

const (
	OutcomeApplied   ReconcileOutcome = "applied"
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	OutcomeUnmatched ReconcileOutcome = "unmatched"
	OutcomeIgnored   ReconcileOutcome = "ignored"
	OutcomeWarning   ReconcileOutcome = "warning"
)

// ReconcileResult reports the outcome of a reconciliation attempt.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	OrderID string
}
