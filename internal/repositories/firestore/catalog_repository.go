package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/mayorista/pedidos/internal/domain"
	pfirestore "github.com/mayorista/pedidos/internal/platform/firestore"
	"github.com/mayorista/pedidos/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name      string    `firestore:"name"`
	UnitPrice int64     `firestore:"unitPrice"`
	CasePrice int64     `firestore:"casePrice"`
	CaseSize  int       `firestore:"caseSize"`
	Active    bool      `firestore:"active"`
	Stock     *int      `firestore:"stock"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CatalogRepository reads the product snapshot maintained by the catalog owner. It never writes
// and never caches.
type CatalogRepository struct {
	base *pfirestore.Collection[productDocument]
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository constructs a Firestore-backed catalog reader.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{base: pfirestore.NewCollection[productDocument](provider, productsCollection)}, nil
}

// GetProduct loads a single product.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProduct(doc.ID, doc.Data), nil
}

// GetMany reads every id in one batched call so a reconciliation sees a single snapshot.
// Missing products are absent from the result.
func (r *CatalogRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.base.GetMany(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("catalog get many: %w", err)
	}
	products := make(map[string]domain.Product, len(docs))
	for _, doc := range docs {
		products[doc.ID] = decodeProduct(doc.ID, doc.Data)
	}
	return products, nil
}

func decodeProduct(id string, doc productDocument) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      doc.Name,
		UnitPrice: doc.UnitPrice,
		CasePrice: doc.CasePrice,
		CaseSize:  doc.CaseSize,
		Active:    doc.Active,
		Stock:     doc.Stock,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}
