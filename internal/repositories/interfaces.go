package repositories

import (
	"context"
	"time"

	domain "github.com/mayorista/pedidos/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Catalog() CatalogRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutation receives the current persisted order inside a transaction and returns the
// order to write back. Returning an error aborts the transaction without writing; the error
// is handed back to the caller untouched.
type OrderMutation func(current domain.Order) (domain.Order, error)

// OrderRepository persists orders. Every mutation of an existing order is a single atomic
// read-check-write so status, lock and lines change together.
type OrderRepository interface {
	// Create stores a new order. A duplicate id fails with a conflict error.
	Create(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
	FindBySubmissionKey(ctx context.Context, clientID, key string) (domain.Order, error)
	ListEditingByClient(ctx context.Context, clientID string) ([]domain.Order, error)
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
}

// CatalogRepository exposes the authoritative product snapshot. GetMany performs a single
// read pass; ids absent from the result do not exist.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}
