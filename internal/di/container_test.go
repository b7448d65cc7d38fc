package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/config"
	"github.com/retailcore/orders/internal/repositories/memory"
	"github.com/retailcore/orders/internal/services"
)

type nopGateway struct{}

func (nopGateway) CreateIntent(context.Context, payments.IntentRequest) (payments.Intent, error) {
	return payments.Intent{}, nil
}

func (nopGateway) RetrieveIntent(context.Context, string) (payments.Intent, error) {
	return payments.Intent{}, nil
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	_, err := NewContainer(context.Background(), config.Config{}, nil, Infrastructure{})
	require.Error(t, err)
}

func TestNewContainerWiresServices(t *testing.T) {
	reg := memory.NewRegistry(domain.Product{ID: "P1", Name: "Desk lamp", Price: 1500, Currency: "usd"})
	cfg := config.Config{Environment: "test", PSP: config.PSPConfig{DefaultCurrency: "usd"}}

	container, err := NewContainer(context.Background(), cfg, reg, Infrastructure{
		Gateway: nopGateway{},
		Build:   services.BuildInfo{Version: "1.2.3"},
	})
	require.NoError(t, err)
	require.NotNil(t, container.Services.Orders)
	require.NotNil(t, container.Services.Payments)
	require.NotNil(t, container.Services.Reconciler)
	require.NotNil(t, container.Services.System)

	principal := &auth.Identity{UID: "alice", Roles: []string{auth.RoleUser}}
	order, err := container.Services.Orders.CreateOrder(context.Background(), principal, services.CreateOrderCommand{
		Items:           []services.OrderItemInput{{ProductID: "P1", Quantity: 1}},
		ShippingAddress: services.ShippingAddress{Address: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		PaymentMethod:   "stripe",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), order.Total)

	report, err := container.Services.System.HealthReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusOK, report.Status)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Equal(t, "test", report.Environment)

	require.NoError(t, container.Close(context.Background()))
}

func TestNewContainerWithoutGatewaySkipsPayments(t *testing.T) {
	container, err := NewContainer(context.Background(), config.Config{}, memory.NewRegistry(), Infrastructure{})
	require.NoError(t, err)
	assert.Nil(t, container.Services.Payments)
	assert.NotNil(t, container.Services.Reconciler)
}
