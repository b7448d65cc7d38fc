package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/retailcore/orders/internal/domain"
	pfirestore "github.com/retailcore/orders/internal/platform/firestore"
	"github.com/retailcore/orders/internal/repositories"
)

const defaultProductsCollection = "products"

type productDocument struct {
	Name     string `firestore:"name"`
	Image    string `firestore:"image"`
	Price    int64  `firestore:"price"`
	Currency string `firestore:"currency"`
	Active   *bool  `firestore:"active,omitempty"`
}

// CatalogRepository reads product snapshots owned by the catalog service.
type CatalogRepository struct {
	provider   *pfirestore.Provider
	collection string
}

// NewCatalogRepository constructs a read-only Firestore catalog lookup.
func NewCatalogRepository(provider *pfirestore.Provider, collection string) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultProductsCollection
	}
	return &CatalogRepository{provider: provider, collection: collection}, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// FindProducts fetches all ids in a single batched read. Missing or inactive products are omitted.
func (r *CatalogRepository) FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(productIDs))
	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, client.Collection(r.collection).Doc(id))
	}
	if len(refs) == 0 {
		return map[string]domain.Product{}, nil
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("catalog.find_products", err)
	}

	products := make(map[string]domain.Product, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("catalog: decode %s: %w", snap.Ref.ID, err)
		}
		if doc.Active != nil && !*doc.Active {
			continue
		}
		products[snap.Ref.ID] = domain.Product{
			ID:       snap.Ref.ID,
			Name:     doc.Name,
			Image:    doc.Image,
			Price:    doc.Price,
			Currency: strings.ToLower(doc.Currency),
		}
	}
	return products, nil
}
