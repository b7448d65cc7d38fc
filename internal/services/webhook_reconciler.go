package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/repositories"
)

const (
	reconcilerMeterName  = "github.com/retailcore/orders/internal/services"
	webhookEventsCounter = "orders.webhook.events"
	outcomeError         = "error"
	eventTypeConfirm     = "confirmation"
)

// WebhookReconcilerDeps bundles collaborators required to construct the reconciler.
type WebhookReconcilerDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Events OrderEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
	Meter  metric.Meter
}

type webhookReconciler struct {
	orders  repositories.OrderRepository
	clock   func() time.Time
	events  OrderEventPublisher
	logger  func(context.Context, string, map[string]any)
	counter metric.Int64Counter
}

var _ WebhookReconciler = (*webhookReconciler)(nil)

// NewWebhookReconciler constructs the reconciler that turns gateway notifications into order updates.
func NewWebhookReconciler(deps WebhookReconcilerDeps) (WebhookReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook reconciler: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcilerMeterName)
	}
	counter, err := meter.Int64Counter(webhookEventsCounter,
		metric.WithDescription("Payment notifications processed, by event type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("webhook reconciler: register counter: %w", err)
	}

	return &webhookReconciler{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		events:  deps.Events,
		logger:  logger,
		counter: counter,
	}, nil
}

// Handle dispatches a verified gateway event. Types other than payment success and failure are acknowledged.
func (r *webhookReconciler) Handle(ctx context.Context, event payments.Event) (ReconcileResult, error) {
	n := PaymentNotification{
		EventID:        event.ID,
		IntentID:       event.IntentID,
		GatewayStatus:  event.GatewayStatus,
		PayerEmail:     event.PayerEmail,
		FailureMessage: event.FailureMessage,
		Metadata:       event.Metadata,
	}
	switch event.Type {
	case payments.EventPaymentSucceeded:
		return r.reconcile(ctx, event.Type, n, r.applySuccess)
	case payments.EventPaymentFailed:
		return r.reconcile(ctx, event.Type, n, r.applyFailure)
	default:
		r.logger(ctx, "payment.webhook.ignored", map[string]any{
			"eventId": event.ID,
			"type":    event.Type,
		})
		r.record(ctx, event.Type, string(OutcomeIgnored))
		return ReconcileResult{Outcome: OutcomeIgnored}, nil
	}
}

func (r *webhookReconciler) PaymentSucceeded(ctx context.Context, n PaymentNotification) (ReconcileResult, error) {
	return r.reconcile(ctx, eventTypeConfirm, n, r.applySuccess)
}

func (r *webhookReconciler) PaymentFailed(ctx context.Context, n PaymentNotification) (ReconcileResult, error) {
	return r.reconcile(ctx, eventTypeConfirm, n, r.applyFailure)
}

// reconcileStep mutates order in place and reports what happened. It runs inside the store's
// conditional update and may be invoked again if the write is retried.
type reconcileStep func(order *domain.Order, n PaymentNotification, now time.Time) (changed bool, outcome ReconcileOutcome, warning string)

func (r *webhookReconciler) reconcile(ctx context.Context, eventType string, n PaymentNotification, step reconcileStep) (ReconcileResult, error) {
	n.IntentID = strings.TrimSpace(n.IntentID)

	orderID, err := r.resolve(ctx, n)
	if err != nil {
		r.record(ctx, eventType, outcomeError)
		return ReconcileResult{}, err
	}
	if orderID == "" {
		r.logger(ctx, "payment.webhook.unmatched", map[string]any{
			"eventId":  n.EventID,
			"intentId": n.IntentID,
			"type":     eventType,
		})
		r.record(ctx, eventType, string(OutcomeUnmatched))
		return ReconcileResult{Outcome: OutcomeUnmatched}, nil
	}

	var (
		outcome  ReconcileOutcome
		warning  string
		previous domain.OrderStatus
	)
	updated, err := r.orders.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		previous = order.Status
		var changed bool
		changed, outcome, warning = step(order, n, r.clock())
		return changed, nil
	})
	if err != nil {
		if isRepoNotFound(err) {
			r.record(ctx, eventType, string(OutcomeUnmatched))
			return ReconcileResult{Outcome: OutcomeUnmatched}, nil
		}
		r.logger(ctx, "payment.webhook.failed", map[string]any{
			"eventId":  n.EventID,
			"intentId": n.IntentID,
			"orderId":  orderID,
			"error":    err.Error(),
		})
		r.record(ctx, eventType, outcomeError)
		return ReconcileResult{}, mapRepositoryError(err)
	}

	fields := map[string]any{
		"eventId":  n.EventID,
		"intentId": n.IntentID,
		"orderId":  orderID,
		"outcome":  string(outcome),
		"from":     string(previous),
		"to":       string(updated.Status),
	}
	switch outcome {
	case OutcomeWarning:
		fields["warning"] = warning
		r.logger(ctx, "payment.reconciliation.warning", fields)
		r.publish(ctx, orderEventReconciliationWarning, updated, previous, n, warning)
	case OutcomeApplied:
		r.logger(ctx, "payment.reconciliation.applied", fields)
		if updated.IsPaid {
			r.publish(ctx, orderEventPaid, updated, previous, n, "")
		} else {
			r.publish(ctx, orderEventPaymentFailed, updated, previous, n, n.FailureMessage)
		}
	default:
		r.logger(ctx, "payment.reconciliation.noop", fields)
	}
	r.record(ctx, eventType, string(outcome))
	return ReconcileResult{Outcome: outcome, OrderID: orderID}, nil
}

// resolve finds the order through the intent index, then through the order id carried in the
// intent metadata. An empty id means neither path matched.
func (r *webhookReconciler) resolve(ctx context.Context, n PaymentNotification) (string, error) {
	if n.IntentID != "" {
		order, err := r.orders.FindByPaymentIntent(ctx, n.IntentID)
		switch {
		case err == nil:
			return order.ID, nil
		case !isRepoNotFound(err):
			return "", mapRepositoryError(err)
		}
	}

	orderID := strings.TrimSpace(n.Metadata[payments.MetadataOrderID])
	if orderID == "" {
		return "", nil
	}
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return "", nil
		}
		return "", mapRepositoryError(err)
	}
	if n.IntentID != "" && order.PaymentIntentID != "" && order.PaymentIntentID != n.IntentID {
		r.logger(ctx, "payment.webhook.intent_mismatch", map[string]any{
			"orderId":        order.ID,
			"intentId":       n.IntentID,
			"storedIntentId": order.PaymentIntentID,
		})
	}
	return order.ID, nil
}

func (r *webhookReconciler) applySuccess(order *domain.Order, n PaymentNotification, now time.Time) (bool, ReconcileOutcome, string) {
	if order.IsPaid {
		return false, OutcomeDuplicate, ""
	}
	// PaymentResult is only written by a success, so a matching intent is a replay.
	if settled := order.PaymentResult; settled != nil && n.IntentID != "" && settled.ID == n.IntentID {
		return false, OutcomeDuplicate, ""
	}

	if order.PaymentIntentID == "" && n.IntentID != "" {
		order.PaymentIntentID = n.IntentID
	}
	status := n.GatewayStatus
	if status == "" {
		status = string(payments.StatusSucceeded)
	}
	order.PaymentResult = &domain.PaymentResult{
		ID:           n.IntentID,
		Status:       status,
		UpdateTime:   now,
		EmailAddress: n.PayerEmail,
	}

	if order.Status == domain.OrderStatusProcessing {
		markPaid(order, now)
		return true, OutcomeApplied, ""
	}

	decision, err := domain.Transition(order.Status, domain.OrderStatusProcessing, domain.CausePayment)
	if err != nil {
		markPaid(order, now)
		return true, OutcomeWarning, fmt.Sprintf("payment succeeded while order is %s; status left unchanged", order.Status)
	}
	decision.Apply(order, now)
	return true, OutcomeApplied, ""
}

func (r *webhookReconciler) applyFailure(order *domain.Order, n PaymentNotification, now time.Time) (bool, ReconcileOutcome, string) {
	if order.IsPaid {
		return false, OutcomeWarning, "payment failure reported for a paid order; ignored"
	}
	if order.Status == domain.OrderStatusPaymentFailed {
		return false, OutcomeDuplicate, ""
	}

	decision, err := domain.TransitionOrder(*order, domain.OrderStatusPaymentFailed, domain.CausePayment)
	if err != nil {
		return false, OutcomeWarning, fmt.Sprintf("payment failure reported while order is %s; ignored", order.Status)
	}
	if order.PaymentIntentID == "" && n.IntentID != "" {
		order.PaymentIntentID = n.IntentID
	}
	decision.Apply(order, now)
	return true, OutcomeApplied, ""
}

func markPaid(order *domain.Order, now time.Time) {
	order.IsPaid = true
	paidAt := now
	order.PaidAt = &paidAt
	order.UpdatedAt = now
}

func (r *webhookReconciler) publish(ctx context.Context, eventType string, order domain.Order, previous domain.OrderStatus, n PaymentNotification, message string) {
	publishOrderEvent(ctx, r.events, r.logger, OrderEvent{
		Type:       eventType,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		PrevStatus: previous,
		IntentID:   n.IntentID,
		Message:    message,
		OccurredAt: r.clock(),
		Metadata:   map[string]string{"eventId": n.EventID},
	})
}

func (r *webhookReconciler) record(ctx context.Context, eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}
