package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/mayorista/pedidos/internal/platform/firestore"
	"github.com/mayorista/pedidos/internal/repositories"
)

// Registry wires every Firestore repository to one shared provider.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	catalog   *CatalogRepository
	auditLogs *AuditLogRepository
	counters  *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs all repositories over the provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		orders:    orders,
		catalog:   catalog,
		auditLogs: auditLogs,
		counters:  counters,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Catalog() repositories.CatalogRepository    { return r.catalog }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.auditLogs }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }

// Provider exposes the shared provider for readiness checks.
func (r *Registry) Provider() *pfirestore.Provider { return r.provider }
