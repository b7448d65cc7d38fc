package firestore

import (
	"context"
	"errors"

	pconfig "github.com/retailcore/orders/internal/platform/config"
	pfirestore "github.com/retailcore/orders/internal/platform/firestore"
	"github.com/retailcore/orders/internal/repositories"
)

// Registry wires the Firestore-backed repositories around one shared provider.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	catalog  *CatalogRepository
	health   repositories.HealthRepository
}

// NewRegistry builds every repository against the provider using the configured collection names.
func NewRegistry(provider *pfirestore.Provider, cfg pconfig.FirestoreConfig) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider, WithOrderCollections(cfg.OrdersCollection, cfg.IntentsCollection))
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider, cfg.ProductsCollection)
	if err != nil {
		return nil, err
	}
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name: "firestore",
		Check: func(ctx context.Context) error {
			return provider.Ping(ctx, orders.orders)
		},
	}})
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, orders: orders, catalog: catalog, health: health}, nil
}

var _ repositories.Registry = (*Registry)(nil)

func (r *Registry) Orders() repositories.OrderRepository   { return r.orders }
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }
func (r *Registry) Health() repositories.HealthRepository   { return r.health }

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
