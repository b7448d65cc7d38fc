package domain

import (
	"errors"
	"math"
	"strings"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state; the order awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment succeeded and fulfillment can begin.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusPaymentFailed indicates the gateway reported a failed payment attempt.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
)

var orderStatusAliases = map[string]OrderStatus{
	"pending":        OrderStatusPending,
	"processing":     OrderStatusProcessing,
	"shipped":        OrderStatusShipped,
	"delivered":      OrderStatusDelivered,
	"cancelled":      OrderStatusCancelled,
	"canceled":       OrderStatusCancelled,
	"payment_failed": OrderStatusPaymentFailed,
	"paymentfailed":  OrderStatusPaymentFailed,
}

// ParseOrderStatus normalises a status supplied by a client ("Shipped", "payment_failed", "PaymentFailed").
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	status, ok := orderStatusAliases[key]
	return status, ok
}

// Order is the durable purchase record shared by services, repositories and handlers.
type Order struct {
	ID              string
	UserID          string
	Items           []OrderItem
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Currency        string
	ItemsSubtotal   int64
	Tax             int64
	Shipping        int64
	Total           int64
	Status          OrderStatus
	IsPaid          bool
	PaidAt          *time.Time
	IsDelivered     bool
	DeliveredAt     *time.Time
	PaymentResult   *PaymentResult
	PaymentIntentID string
	TrackingNumber  string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem snapshots the catalog product at the time the order was placed.
type OrderItem struct {
	ProductID string
	Name      string
	Image     string
	Price     int64
	Quantity  int
}

// ShippingAddress stores the delivery address snapshot.
type ShippingAddress struct {
	Address    string
	City       string
	PostalCode string
	Country    string
}

// PaymentResult mirrors what the gateway reported for the successful payment.
type PaymentResult struct {
	ID           string
	Status       string
	UpdateTime   time.Time
	EmailAddress string
}

// Product is the catalog projection needed to snapshot order items.
type Product struct {
	ID       string
	Name     string
	Image    string
	Price    int64
	Currency string
}

// OrderTotals holds the monetary components of an order in minor units.
type OrderTotals struct {
	ItemsSubtotal int64
	Tax           int64
	Shipping      int64
	Total         int64
}

// ComputeTotal derives the order amounts from the item snapshots. Client supplied totals are never consulted.
func ComputeTotal(items []OrderItem, tax, shipping int64) OrderTotals {
	var subtotal int64
	for _, item := range items {
		subtotal += item.Price * int64(item.Quantity)
	}
	return OrderTotals{
		ItemsSubtotal: subtotal,
		Tax:           tax,
		Shipping:      shipping,
		Total:         subtotal + tax + shipping,
	}
}

// ErrAmountOutOfRange is returned when an amount is negative or a total does not fit in int64.
var ErrAmountOutOfRange = errors.New("domain: order amount out of range")

// CheckedTotal is ComputeTotal for untrusted input: negative amounts and overflowing sums are
// rejected with ErrAmountOutOfRange.
func CheckedTotal(items []OrderItem, tax, shipping int64) (OrderTotals, error) {
	if tax < 0 || shipping < 0 {
		return OrderTotals{}, ErrAmountOutOfRange
	}
	var subtotal int64
	for _, item := range items {
		if item.Price < 0 || item.Quantity < 0 {
			return OrderTotals{}, ErrAmountOutOfRange
		}
		if item.Quantity > 0 && item.Price > math.MaxInt64/int64(item.Quantity) {
			return OrderTotals{}, ErrAmountOutOfRange
		}
		line := item.Price * int64(item.Quantity)
		if subtotal > math.MaxInt64-line {
			return OrderTotals{}, ErrAmountOutOfRange
		}
		subtotal += line
	}
	if tax > math.MaxInt64-subtotal || shipping > math.MaxInt64-subtotal-tax {
		return OrderTotals{}, ErrAmountOutOfRange
	}
	return OrderTotals{
		ItemsSubtotal: subtotal,
		Tax:           tax,
		Shipping:      shipping,
		Total:         subtotal + tax + shipping,
	}, nil
}

// ApplyTotals writes recomputed totals onto the order.
func (o *Order) ApplyTotals() {
	if o == nil {
		return
	}
	totals := ComputeTotal(o.Items, o.Tax, o.Shipping)
	o.ItemsSubtotal = totals.ItemsSubtotal
	o.Total = totals.Total
}

// IsOwnedBy reports whether the order belongs to the supplied user id.
func (o Order) IsOwnedBy(userID string) bool {
	userID = strings.TrimSpace(userID)
	return userID != "" && o.UserID == userID
}

// OrderEvent is published whenever an order changes in a way downstream consumers care about.
type OrderEvent struct {
	Type       string
	OrderID    string
	UserID     string
	Status     OrderStatus
	PrevStatus OrderStatus
	IntentID   string
	Message    string
	OccurredAt time.Time
	Metadata   map[string]string
}

// CursorPage represents a paginated result set using cursor tokens.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
