package repositories

import (
	"context"

	domain "github.com/retailcore/orders/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Catalog() CatalogRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutation inspects the freshly read order and edits it in place.
// Returning false leaves the stored document untouched.
type OrderMutation func(order *domain.Order) (bool, error)

// OrderRepository persists orders. Every mutation is a conditional read-modify-write on a single
// order so concurrent writers never apply the same side effects twice.
type OrderRepository interface {
	// Insert stores a new order. It fails with a conflict error when the id or intent id is taken.
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByPaymentIntent resolves an order through the unique intent index.
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Mutate re-reads the order inside a transaction and persists the result when fn reports a change.
	// Setting a new PaymentIntentID claims the intent index; a taken intent yields a conflict error.
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
}

// OrderListFilter narrows order queries.
type OrderListFilter struct {
	UserID    string
	Statuses  []domain.OrderStatus
	PageSize  int
	PageToken string
}

// CatalogRepository resolves product snapshots used when an order is created.
type CatalogRepository interface {
	// FindProducts returns the products that exist, keyed by id. Missing ids are simply absent.
	FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// HealthRepository reports dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
