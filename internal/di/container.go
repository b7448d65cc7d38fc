package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/config"
	"github.com/retailcore/orders/internal/platform/observability"
	"github.com/retailcore/orders/internal/repositories"
	"github.com/retailcore/orders/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders     services.OrderService
	Payments   services.PaymentService
	Reconciler services.WebhookReconciler
	System     services.SystemService
}

// Infrastructure carries the external collaborators the services are built on.
type Infrastructure struct {
	Gateway payments.Gateway
	Events  services.OrderEventPublisher
	Logger  *zap.Logger
	Meter   metric.Meter
	Clock   func() time.Time
	Build   services.BuildInfo
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests supply the in-memory registry.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}

	ordersRepo := reg.Orders()
	if ordersRepo == nil {
		return Services{}, errors.New("order repository is required")
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          ordersRepo,
		Catalog:         reg.Catalog(),
		Clock:           clock,
		Events:          infra.Events,
		Logger:          observability.ServiceLogger(logger.Named("orders")),
		DefaultCurrency: cfg.PSP.DefaultCurrency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	reconciler, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{
		Orders: ordersRepo,
		Clock:  clock,
		Events: infra.Events,
		Logger: observability.ServiceLogger(logger.Named("reconciler")),
		Meter:  infra.Meter,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	if infra.Gateway != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Orders:     ordersRepo,
			Gateway:    infra.Gateway,
			Reconciler: reconciler,
			Clock:      clock,
			Logger:     observability.ServiceLogger(logger.Named("payments")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := infra.Build
		if build.Environment == "" {
			build.Environment = cfg.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
