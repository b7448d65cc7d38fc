package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/repositories/memory"
)

func succeeded(intentID string, metadata map[string]string) payments.Event {
	return payments.Event{
		ID:            "evt_" + intentID,
		Type:          payments.EventPaymentSucceeded,
		IntentID:      intentID,
		GatewayStatus: "succeeded",
		PayerEmail:    "alice@example.com",
		Metadata:      metadata,
	}
}

func failed(intentID string, metadata map[string]string) payments.Event {
	return payments.Event{
		ID:             "evt_fail_" + intentID,
		Type:           payments.EventPaymentFailed,
		IntentID:       intentID,
		GatewayStatus:  "requires_payment_method",
		FailureMessage: "card declined",
		Metadata:       metadata,
	}
}

func TestPaymentSucceededMarksOrderPaidAndProcessing(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_a", domain.OrderStatusPending, "pi_a")

	result, err := h.reconciler.Handle(context.Background(), succeeded("pi_a", nil))
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Outcome: OutcomeApplied, OrderID: "ord_a"}, result)

	order := h.stored(t, "ord_a")
	assert.True(t, order.IsPaid)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	require.NotNil(t, order.PaidAt)
	assert.Equal(t, h.clock.Now(), *order.PaidAt)
	require.NotNil(t, order.PaymentResult)
	assert.Equal(t, domain.PaymentResult{
		ID:           "pi_a",
		Status:       "succeeded",
		UpdateTime:   h.clock.Now(),
		EmailAddress: "alice@example.com",
	}, *order.PaymentResult)
	requireOrderInvariants(t, order)
	assert.Equal(t, []string{orderEventPaid}, h.events.types())
}

func TestPaymentSucceededReplayIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_a", domain.OrderStatusPending, "pi_a")

	_, err := h.reconciler.Handle(context.Background(), succeeded("pi_a", nil))
	require.NoError(t, err)
	first := h.stored(t, "ord_a")

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		result, err := h.reconciler.Handle(context.Background(), succeeded("pi_a", nil))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, result.Outcome)
	}

	assert.Equal(t, first, h.stored(t, "ord_a"))
	assert.Equal(t, []string{orderEventPaid}, h.events.types())
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_a", domain.OrderStatusPending, "pi_a")

	const deliveries = 16
	outcomes := make(chan ReconcileOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.reconciler.Handle(context.Background(), succeeded("pi_a", nil))
			assert.NoError(t, err)
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[ReconcileOutcome]int{}
	for outcome := range outcomes {
		counts[outcome]++
	}
	assert.Equal(t, 1, counts[OutcomeApplied])
	assert.Equal(t, deliveries-1, counts[OutcomeDuplicate])
	assert.Equal(t, []string{orderEventPaid}, h.events.types())
}

func TestPaymentSucceededFallsBackToMetadataOrderID(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_race", domain.OrderStatusPending, "")

	result, err := h.reconciler.Handle(context.Background(), succeeded("pi_race", map[string]string{payments.MetadataOrderID: "ord_race"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)

	order := h.stored(t, "ord_race")
	assert.True(t, order.IsPaid)
	assert.Equal(t, "pi_race", order.PaymentIntentID)

	indexed, err := h.orders.FindByPaymentIntent(context.Background(), "pi_race")
	require.NoError(t, err)
	assert.Equal(t, "ord_race", indexed.ID)
}

func TestPaymentSucceededWithoutMatchIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	result, err := h.reconciler.Handle(context.Background(), succeeded("pi_ghost", map[string]string{payments.MetadataOrderID: "ord_ghost"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, result.Outcome)
	assert.Empty(t, h.events.types())
}

func TestPaymentSucceededAfterCancellationRecordsPaymentOnly(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_c", domain.OrderStatusCancelled, "pi_c")

	result, err := h.reconciler.Handle(context.Background(), succeeded("pi_c", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWarning, result.Outcome)

	order := h.stored(t, "ord_c")
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.True(t, order.IsPaid)
	require.NotNil(t, order.PaymentResult)
	assert.Equal(t, "pi_c", order.PaymentResult.ID)
	assert.Equal(t, []string{orderEventReconciliationWarning}, h.events.types())

	replay, err := h.reconciler.Handle(context.Background(), succeeded("pi_c", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)
}

func TestPaymentSucceededOnAdminProcessedOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_p", domain.OrderStatusProcessing, "pi_p")

	result, err := h.reconciler.Handle(context.Background(), succeeded("pi_p", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)

	order := h.stored(t, "ord_p")
	assert.True(t, order.IsPaid)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
}

func TestPaymentFailedThenRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_f", domain.OrderStatusPending, "pi_f")
	ctx := context.Background()

	result, err := h.reconciler.Handle(ctx, failed("pi_f", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	order := h.stored(t, "ord_f")
	assert.Equal(t, domain.OrderStatusPaymentFailed, order.Status)
	assert.False(t, order.IsPaid)
	assert.Nil(t, order.PaidAt)

	replay, err := h.reconciler.Handle(ctx, failed("pi_f", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)

	h.clock.Advance(time.Minute)
	_, err = h.reconciler.Handle(ctx, succeeded("pi_f", nil))
	require.NoError(t, err)
	order = h.stored(t, "ord_f")
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.True(t, order.IsPaid)
	requireOrderInvariants(t, order)

	assert.Equal(t, []string{orderEventPaymentFailed, orderEventPaid}, h.events.types())
}

func TestPaymentFailedAfterPaymentIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_late", domain.OrderStatusPending, "pi_late")
	ctx := context.Background()

	_, err := h.reconciler.Handle(ctx, succeeded("pi_late", nil))
	require.NoError(t, err)
	paid := h.stored(t, "ord_late")

	result, err := h.reconciler.Handle(ctx, failed("pi_late", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWarning, result.Outcome)
	assert.Equal(t, paid, h.stored(t, "ord_late"))
}

func TestPaymentFailedOnTerminalOrderIsIgnored(t *testing.T) {
	h := newHarness(t)
	before := h.seedOrder(t, "ord_x", domain.OrderStatusCancelled, "pi_x")

	result, err := h.reconciler.Handle(context.Background(), failed("pi_x", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWarning, result.Outcome)
	assert.Equal(t, before, h.stored(t, "ord_x"))
}

func TestUnknownEventTypesAreIgnored(t *testing.T) {
	h := newHarness(t)
	before := h.seedOrder(t, "ord_a", domain.OrderStatusPending, "pi_a")

	for _, eventType := range []string{"charge.refunded", "payment_intent.created", "customer.updated", ""} {
		result, err := h.reconciler.Handle(context.Background(), payments.Event{ID: "evt", Type: eventType, IntentID: "pi_a"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
	}
	assert.Equal(t, before, h.stored(t, "ord_a"))
}

func TestReconcilerSurfacesStoreFailures(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_a", domain.OrderStatusPending, "pi_a")
	h.orders.FailWith = memory.Unavailable("orders.find_by_intent")

	_, err := h.reconciler.Handle(context.Background(), succeeded("pi_a", nil))
	require.ErrorIs(t, err, ErrOrderUnavailable)
}

func TestReconcilerRecordsOutcomeMetric(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_a", domain.OrderStatusPending, "pi_a")

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	reconciler, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Orders: h.orders,
		Clock:  h.clock.Now,
		Meter:  provider.Meter("test"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = reconciler.Handle(ctx, succeeded("pi_a", nil))
	require.NoError(t, err)
	_, err = reconciler.Handle(ctx, succeeded("pi_a", nil))
	require.NoError(t, err)
	_, err = reconciler.Handle(ctx, payments.Event{Type: "charge.refunded"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != webhookEventsCounter {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, point := range sum.DataPoints {
				eventType, _ := point.Attributes.Value("type")
				outcome, _ := point.Attributes.Value("outcome")
				counts[eventType.AsString()+"/"+outcome.AsString()] += point.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		payments.EventPaymentSucceeded + "/applied":   1,
		payments.EventPaymentSucceeded + "/duplicate": 1,
		"charge.refunded/ignored":                     1,
	}, counts)
}

func TestPaidOrderCannotBeFailedByAdminAndReplayStaysDuplicate(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_dispute", domain.OrderStatusPending, "pi_dispute")
	ctx := context.Background()

	_, err := h.reconciler.Handle(ctx, succeeded("pi_dispute", nil))
	require.NoError(t, err)
	paid := h.stored(t, "ord_dispute")
	require.NotNil(t, paid.PaidAt)

	h.clock.Advance(2 * time.Hour)
	_, err = h.svc.AdminUpdateStatus(ctx, admin, AdminStatusCommand{OrderID: "ord_dispute", Status: "payment_failed"})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)
	assert.Contains(t, Reason(err), "already paid")
	assert.Equal(t, paid, h.stored(t, "ord_dispute"))

	h.clock.Advance(time.Hour)
	result, err := h.reconciler.Handle(ctx, succeeded("pi_dispute", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)

	after := h.stored(t, "ord_dispute")
	assert.True(t, after.IsPaid)
	assert.Equal(t, *paid.PaidAt, *after.PaidAt)
	assert.Equal(t, []string{orderEventPaid}, h.events.types())
}

func TestPaymentSucceededForSettledIntentIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_settled", domain.OrderStatusPaymentFailed, "pi_settled")
	settledAt := h.clock.Now()
	_, err := h.orders.Mutate(context.Background(), "ord_settled", func(order *domain.Order) (bool, error) {
		order.PaymentResult = &domain.PaymentResult{ID: "pi_settled", Status: "succeeded", UpdateTime: settledAt}
		return true, nil
	})
	require.NoError(t, err)
	before := h.stored(t, "ord_settled")

	result, err := h.reconciler.Handle(context.Background(), succeeded("pi_settled", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Equal(t, before, h.stored(t, "ord_settled"))
	assert.Empty(t, h.events.types())
}
