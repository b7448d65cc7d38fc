package memory

import (
	"context"
	"sync"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/repositories"
)

// CatalogRepository serves a fixed product set.
type CatalogRepository struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewCatalogRepository seeds the catalog with the given products.
func NewCatalogRepository(products ...domain.Product) *CatalogRepository {
	repo := &CatalogRepository{products: make(map[string]domain.Product, len(products))}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func (r *CatalogRepository) FindProducts(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.products[id]; ok {
			found[id] = product
		}
	}
	return found, nil
}
