package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when the requested status cannot follow the current one.
var ErrInvalidTransition = errors.New("domain: invalid order status transition")

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:       {OrderStatusProcessing, OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusProcessing:    {OrderStatusShipped, OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusShipped:       {OrderStatusDelivered},
	OrderStatusDelivered:     {},
	OrderStatusCancelled:     {},
	OrderStatusPaymentFailed: {OrderStatusProcessing},
}

// TransitionCause identifies who asked for a status change.
type TransitionCause string

const (
	// CauseAdmin marks transitions requested by staff through the admin API.
	CauseAdmin TransitionCause = "admin"
	// CausePayment marks transitions driven by gateway notifications.
	CausePayment TransitionCause = "payment"
)

// Decision describes an approved transition and the field updates it implies.
type Decision struct {
	From          OrderStatus
	To            OrderStatus
	MarkPaid      bool
	ClearPaid     bool
	MarkDelivered bool
}

// CanTransition reports whether the pair appears in the transition table.
func CanTransition(from, to OrderStatus) bool {
	for _, candidate := range orderTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status.
func (s OrderStatus) IsTerminal() bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

// Valid reports whether the status is part of the lifecycle.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Transition decides whether current may move to requested and which side effects apply.
func Transition(current, requested OrderStatus, cause TransitionCause) (Decision, error) {
	if !current.Valid() || !requested.Valid() || !CanTransition(current, requested) {
		return Decision{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, requested)
	}
	decision := Decision{From: current, To: requested}
	switch requested {
	case OrderStatusProcessing:
		decision.MarkPaid = cause == CausePayment
	case OrderStatusPaymentFailed:
		decision.ClearPaid = true
	case OrderStatusDelivered:
		decision.MarkDelivered = true
	}
	return decision, nil
}

// TransitionOrder is Transition with the order's payment state taken into account: once an order
// is paid, payment_failed is refused so isPaid never flips back.
func TransitionOrder(order Order, requested OrderStatus, cause TransitionCause) (Decision, error) {
	decision, err := Transition(order.Status, requested, cause)
	if err != nil {
		return Decision{}, err
	}
	if decision.ClearPaid && order.IsPaid {
		return Decision{}, fmt.Errorf("%w: order is already paid, %s cannot follow", ErrInvalidTransition, requested)
	}
	return decision, nil
}

// Apply writes the decision onto the order. Paid and delivered stamps are only set once, and a
// paid order is never un-paid.
func (d Decision) Apply(order *Order, now time.Time) {
	if order == nil {
		return
	}
	order.Status = d.To
	if d.MarkPaid && !order.IsPaid {
		order.IsPaid = true
		paidAt := now
		order.PaidAt = &paidAt
	}
	if d.ClearPaid && !order.IsPaid {
		order.PaidAt = nil
	}
	if d.MarkDelivered && !order.IsDelivered {
		order.IsDelivered = true
		deliveredAt := now
		order.DeliveredAt = &deliveredAt
	}
	order.UpdatedAt = now
}
