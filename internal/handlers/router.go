package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/retailcore/orders/internal/platform/httpx"
)

// RouteRegistrar adds a route group's handlers to r.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is one mount point under the API prefix.
type routeGroup struct {
	path       string
	registrar  RouteRegistrar
	middleware []middlewareFunc
}

type routerConfig struct {
	basePath   string
	middleware []middlewareFunc
	health     *HealthHandlers

	orders   routeGroup
	admin    routeGroup
	webhooks routeGroup
}

// Option configures NewRouter.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	requestTimeout   = 30 * time.Second
)

// NewRouter builds the HTTP surface: probes at the root and the orders, admin and webhooks
// groups under the API prefix. A group without a registrar answers 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath:   defaultAPIPrefix,
		middleware: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		orders:     routeGroup{path: "/orders"},
		admin:      routeGroup{path: "/admin"},
		webhooks:   routeGroup{path: "/webhooks"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	use(r, cfg.middleware)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range []routeGroup{cfg.orders, cfg.admin, cfg.webhooks} {
			api.Route(group.path, group.mount)
		}
	})
	return r
}

func (g routeGroup) mount(r chi.Router) {
	use(r, g.middleware)
	if g.registrar != nil {
		g.registrar(r)
		return
	}
	unavailable := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", g.path[1:]+" routes are not configured", http.StatusNotImplemented))
	}
	r.HandleFunc("/", unavailable)
	r.HandleFunc("/*", unavailable)
	r.NotFound(unavailable)
	r.MethodNotAllowed(unavailable)
}

func use(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// WithBasePath replaces the /api/v1 prefix.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		if path != "" {
			cfg.basePath = path
		}
	}
}

// WithMiddlewares appends router-wide middleware after the request id, real ip and timeout chain.
func WithMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) { cfg.middleware = append(cfg.middleware, mw...) }
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithOrderRoutes mounts the customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.orders.registrar = reg }
}

// WithAdminRoutes mounts the staff endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.admin.registrar = reg }
}

// WithWebhookRoutes mounts the PSP webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks.registrar = reg }
}

// WithWebhookMiddlewares applies mw to the webhooks group only.
func WithWebhookMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) { cfg.webhooks.middleware = append(cfg.webhooks.middleware, mw...) }
}
