package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/retailcore/orders/internal/di"
	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/handlers"
	"github.com/retailcore/orders/internal/payments"
	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/config"
	"github.com/retailcore/orders/internal/platform/events"
	pfirestore "github.com/retailcore/orders/internal/platform/firestore"
	"github.com/retailcore/orders/internal/platform/idempotency"
	"github.com/retailcore/orders/internal/platform/observability"
	"github.com/retailcore/orders/internal/platform/secrets"
	"github.com/retailcore/orders/internal/repositories"
	firestoreRepo "github.com/retailcore/orders/internal/repositories/firestore"
	"github.com/retailcore/orders/internal/services"
)

const (
	meterName               = "github.com/retailcore/orders"
	idempotencyCleanupEvery = 15 * time.Minute
	idempotencyCleanupBatch = 500
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	levelName, _ := config.Lookup("ORDERS_LOG_LEVEL")
	baseLogger, err := observability.NewLogger(levelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.GetMeterProvider().Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, cfg.Firestore)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	publisher, stopPublisher, err := newEventPublisher(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer stopPublisher()

	var gateway payments.Gateway
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: observability.ServiceLogger(logger.Named("stripe")),
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
		}
		gateway = stripeGateway
	} else {
		logger.Warn("stripe api key not configured; payment intent endpoints disabled")
	}

	var webhookVerifier payments.WebhookVerifier
	if strings.TrimSpace(cfg.PSP.StripeWebhookSecret) != "" {
		verifier, err := payments.NewStripeWebhookVerifier(cfg.PSP.StripeWebhookSecret, cfg.PSP.WebhookTolerance)
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
		}
		webhookVerifier = verifier
	} else {
		logger.Warn("stripe webhook secret not configured; webhook endpoint disabled")
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Gateway: gateway,
		Events:  publisher,
		Logger:  logger,
		Meter:   meter,
		Build:   buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	systemService, err := withSecretCheck(container.Services.System, registry, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: secret manager check unavailable", zap.Error(err))
		systemService = container.Services.System
	}

	tokenVerifier, err := newTokenVerifier(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(tokenVerifier)

	idempotencyStore, closeStore, err := newIdempotencyStore(ctx, cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	defer closeStore()
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		runIdempotencyCleanup(cleanupCtx, logger.Named("idempotency"), idempotencyStore)
	}()

	metricsMiddleware, err := observability.MetricsMiddleware(meter)
	if err != nil {
		logger.Fatal("failed to initialise http metrics", zap.Error(err))
	}

	projectID := traceProjectID(cfg)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders, container.Services.Payments,
		handlers.WithIdempotency(idempotencyMiddleware),
	)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, container.Services.Orders)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(webhookVerifier, container.Services.Reconciler,
		handlers.WithWebhookBodyLimit(cfg.PSP.WebhookBodyLimit),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(projectID),
			observability.RecoveryMiddleware(logger),
			metricsMiddleware,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orders api listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version, _ := config.Lookup("ORDERS_BUILD_VERSION")
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	commit, _ := config.Lookup("ORDERS_BUILD_COMMIT_SHA")
	if strings.TrimSpace(commit) == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     strings.TrimSpace(version),
		CommitSHA:   strings.TrimSpace(commit),
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project, _ := config.Lookup("ORDERS_SECRETS_PROJECT_ID")
	if strings.TrimSpace(project) == "" {
		project, _ = config.Lookup("ORDERS_FIRESTORE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(strings.TrimSpace(project)),
	}
	if fallback, _ := config.Lookup("ORDERS_SECRETS_FALLBACK_FILE"); strings.TrimSpace(fallback) != "" {
		opts = append(opts, secrets.WithFallbackFile(strings.TrimSpace(fallback)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// withSecretCheck rebuilds the system service so readiness also probes Secret Manager.
func withSecretCheck(base services.SystemService, registry repositories.Registry, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	if fetcher == nil {
		return base, nil
	}
	const secretHealthReference = "secret://orders-healthz"
	storeHealth := registry.Health()
	checks := []repositories.DependencyCheck{
		{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if errors.Is(err, secrets.ErrSecretNotFound) {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		},
	}
	if storeHealth != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "orderStore",
			Check: func(ctx context.Context) error {
				report, err := storeHealth.Collect(ctx)
				if err != nil {
					return err
				}
				for name, check := range report.Checks {
					if check.Status != domain.HealthStatusOK {
						return fmt.Errorf("%s: %s", name, check.Detail)
					}
				}
				return nil
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(2*time.Second))
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Build:            build,
	})
}

func newEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.OrderEventPublisher, func(), error) {
	topicName := strings.TrimSpace(cfg.PubSub.Topic)
	if topicName == "" || strings.TrimSpace(cfg.PubSub.ProjectID) == "" {
		logger.Info("pubsub topic not configured; order events are logged only")
		return events.NewLogPublisher(logger.Named("events")), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher, err := events.NewPubSubPublisher(client.Topic(topicName))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	stop := func() {
		publisher.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	return publisher, stop, nil
}

func newTokenVerifier(ctx context.Context, logger *zap.Logger, cfg config.Config) (auth.TokenVerifier, error) {
	if secret := strings.TrimSpace(cfg.Auth.DevJWTSecret); secret != "" && !cfg.IsProduction() {
		logger.Warn("using development token verifier", zap.String("environment", cfg.Environment))
		return auth.NewDevTokenVerifier(secret)
	}
	return auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
}

func newIdempotencyStore(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, func(), error) {
	switch cfg.Idempotency.Backend {
	case "firestore":
		return idempotency.NewFirestoreStore(provider), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Idempotency.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return idempotency.NewRedisStore(client, ""), func() { _ = client.Close() }, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store) {
	ticker := time.NewTicker(idempotencyCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), idempotencyCleanupBatch)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
