package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	envPrefix                 = "ORDERS_"
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultShutdownTimeout    = 20 * time.Second
	defaultEnvironment        = "local"
	defaultCurrency           = "usd"
	defaultWebhookTolerance   = 5 * time.Minute
	defaultWebhookBodyLimit   = 64 * 1024
	defaultOrdersCollection   = "orders"
	defaultIntentsCollection  = "order_intents"
	defaultProductsCollection = "products"
	defaultTxAttempts         = 5
	defaultLogLevel           = "info"
	defaultEventsTopic        = "order-events"
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultIdempotencyBackend = "memory"
	defaultIdempotencyTTL     = 24 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Auth        AuthConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings used for ID token verification.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID          string
	EmulatorHost       string
	OrdersCollection   string
	IntentsCollection  string
	ProductsCollection string
	TxAttempts         int
}

// PubSubConfig configures order event publishing. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// PSPConfig collects payment gateway settings.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	WebhookBodyLimit    int64
	DefaultCurrency     string
}

// AuthConfig controls principal authentication. DevJWTSecret enables HS256 tokens outside production.
type AuthConfig struct {
	DevJWTSecret string
}

// IdempotencyConfig controls the idempotency middleware and its backing store.
type IdempotencyConfig struct {
	Header    string
	Backend   string
	TTL       time.Duration
	RedisAddr string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Lookup returns a single raw value using the same precedence as Load. It lets callers
// bootstrap dependencies (the secret fetcher) before the full configuration is resolved.
func Lookup(key string, opts ...Option) (string, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookupFunc()
	if err != nil {
		return "", err
	}
	value, _ := lookup(key)
	return value, nil
}

// Load assembles the configuration from defaults, .env overrides, environment variables
// and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookupFunc()
	if err != nil {
		return Config{}, err
	}

	key := func(name string) string { return envPrefix + name }

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, key("ENVIRONMENT"), defaultEnvironment)),
		LogLevel:    strings.ToLower(stringWithDefault(lookup, key("LOG_LEVEL"), defaultLogLevel)),
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, key("SERVER_PORT"), defaultPort),
			ReadTimeout:     durationWithDefault(lookup, key("SERVER_READ_TIMEOUT"), defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, key("SERVER_WRITE_TIMEOUT"), defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, key("SERVER_IDLE_TIMEOUT"), defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, key("SERVER_SHUTDOWN_TIMEOUT"), defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, key("FIREBASE_PROJECT_ID"), ""),
			CredentialsFile: stringWithDefault(lookup, key("FIREBASE_CREDENTIALS_FILE"), ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:          stringWithDefault(lookup, key("FIRESTORE_PROJECT_ID"), ""),
			EmulatorHost:       stringWithDefault(lookup, key("FIRESTORE_EMULATOR_HOST"), ""),
			OrdersCollection:   stringWithDefault(lookup, key("FIRESTORE_ORDERS_COLLECTION"), defaultOrdersCollection),
			IntentsCollection:  stringWithDefault(lookup, key("FIRESTORE_INTENTS_COLLECTION"), defaultIntentsCollection),
			ProductsCollection: stringWithDefault(lookup, key("FIRESTORE_PRODUCTS_COLLECTION"), defaultProductsCollection),
			TxAttempts:         intWithDefault(lookup, key("FIRESTORE_TX_ATTEMPTS"), defaultTxAttempts),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, key("PUBSUB_PROJECT_ID"), ""),
			Topic:     stringWithDefault(lookup, key("PUBSUB_ORDER_EVENTS_TOPIC"), defaultEventsTopic),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, key("PSP_STRIPE_API_KEY"), ""),
			StripeWebhookSecret: stringWithDefault(lookup, key("PSP_STRIPE_WEBHOOK_SECRET"), ""),
			WebhookTolerance:    durationWithDefault(lookup, key("PSP_WEBHOOK_TOLERANCE"), defaultWebhookTolerance),
			WebhookBodyLimit:    int64(intWithDefault(lookup, key("PSP_WEBHOOK_BODY_LIMIT"), defaultWebhookBodyLimit)),
			DefaultCurrency:     strings.ToLower(stringWithDefault(lookup, key("PSP_DEFAULT_CURRENCY"), defaultCurrency)),
		},
		Auth: AuthConfig{
			DevJWTSecret: stringWithDefault(lookup, key("AUTH_DEV_JWT_SECRET"), ""),
		},
		Idempotency: IdempotencyConfig{
			Header:    stringWithDefault(lookup, key("IDEMPOTENCY_HEADER"), defaultIdempotencyHeader),
			Backend:   strings.ToLower(stringWithDefault(lookup, key("IDEMPOTENCY_BACKEND"), defaultIdempotencyBackend)),
			TTL:       durationWithDefault(lookup, key("IDEMPOTENCY_TTL"), defaultIdempotencyTTL),
			RedisAddr: stringWithDefault(lookup, key("IDEMPOTENCY_REDIS_ADDR"), ""),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.PSP.StripeAPIKey,
		&cfg.PSP.StripeWebhookSecret,
		&cfg.Auth.DevJWTSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether the service runs in a production environment.
func (c Config) IsProduction() bool {
	switch c.Environment {
	case "prod", "production":
		return true
	}
	return false
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func (o loaderOptions) lookupFunc() (func(string) (string, bool), error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Firestore.TxAttempts <= 0 {
		missing = append(missing, "Firestore.TxAttempts")
	}
	if cfg.PSP.WebhookTolerance <= 0 {
		missing = append(missing, "PSP.WebhookTolerance")
	}
	if cfg.PSP.WebhookBodyLimit <= 0 {
		missing = append(missing, "PSP.WebhookBodyLimit")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	switch cfg.Idempotency.Backend {
	case "memory", "firestore":
	case "redis":
		if strings.TrimSpace(cfg.Idempotency.RedisAddr) == "" {
			missing = append(missing, "Idempotency.RedisAddr")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if cfg.IsProduction() {
		if cfg.PSP.StripeAPIKey == "" {
			missing = append(missing, "PSP.StripeAPIKey")
		}
		if cfg.PSP.StripeWebhookSecret == "" {
			missing = append(missing, "PSP.StripeWebhookSecret")
		}
		if cfg.Auth.DevJWTSecret != "" {
			missing = append(missing, "Auth.DevJWTSecret")
		}
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		values[name] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
