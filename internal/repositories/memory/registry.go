package memory

import (
	"context"
	"time"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/repositories"
)

// Registry exposes in-memory repositories through the repositories.Registry contract.
type Registry struct {
	orders  *OrderRepository
	catalog *CatalogRepository
}

// NewRegistry seeds the catalog with products and starts with an empty order store.
func NewRegistry(products ...domain.Product) *Registry {
	return &Registry{
		orders:  NewOrderRepository(),
		catalog: NewCatalogRepository(products...),
	}
}

var _ repositories.Registry = (*Registry)(nil)

func (r *Registry) Orders() repositories.OrderRepository   { return r.orders }
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

func (r *Registry) Health() repositories.HealthRepository {
	return memoryHealth{}
}

func (r *Registry) Close(context.Context) error { return nil }

type memoryHealth struct{}

func (memoryHealth) Collect(context.Context) (domain.SystemHealthReport, error) {
	now := time.Now().UTC()
	return domain.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{
			"memory": {Status: domain.HealthStatusOK, CheckedAt: now},
		},
		GeneratedAt: now,
	}, nil
}
