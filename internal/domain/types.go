package domain

import (
	"time"
)

// OrderStatus enumerates the lifecycle states an order can be in.
type OrderStatus string

const (
	// OrderStatusPending is the default state after a successful commit.
	OrderStatusPending OrderStatus = "pendiente"
	// OrderStatusEditing indicates the order is held under an edit lock.
	OrderStatusEditing OrderStatus = "editando"
	// OrderStatusPartiallyInvoiced is set by the invoicing process.
	OrderStatusPartiallyInvoiced OrderStatus = "facturado_parcial"
	// OrderStatusInvoiced is set by the invoicing process.
	OrderStatusInvoiced OrderStatus = "facturado"
	// OrderStatusClosed is set by the fulfillment process.
	OrderStatusClosed OrderStatus = "cerrado"
	// OrderStatusCanceled indicates the order was canceled by the customer or seller.
	OrderStatusCanceled OrderStatus = "cancelado"
	// OrderStatusRejected is set by back-office review.
	OrderStatusRejected OrderStatus = "rechazado"
)

// IsTerminal reports whether the status belongs to the fulfillment or invoicing processes.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPartiallyInvoiced, OrderStatusInvoiced, OrderStatusClosed, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is a known lifecycle state.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusEditing, OrderStatusPartiallyInvoiced, OrderStatusInvoiced,
		OrderStatusClosed, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is the persisted sales order header plus its committed lines.
type Order struct {
	ID            string
	Number        int64
	ClientID      string
	SellerID      *string
	Status        OrderStatus
	Lock          *EditLock
	Contact       OrderContact
	Lines         []OrderLine
	Total         int64
	Notes         string
	SubmissionKey string
	Revision      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CanceledAt    *time.Time
}

// OrderContact snapshots the customer contact data used for notifications.
type OrderContact struct {
	Name  string
	Phone string
	Email string
}

// OrderLine stores a product line priced at commit time. Quantity is counted in cases.
type OrderLine struct {
	ProductID string
	Name      string
	Quantity  int
	CaseSize  int
	UnitPrice int64
	CasePrice int64
	Subtotal  int64
}

// EditLock marks exclusive edit intent over an order. The token is issued on acquisition and
// must be presented by the commit and cancel paths.
type EditLock struct {
	Token      string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LiveAt reports whether the lock is still valid at the supplied instant.
func (l *EditLock) LiveAt(now time.Time) bool {
	if l == nil {
		return false
	}
	return now.Before(l.ExpiresAt)
}

// HeldBy reports whether the lock is live and was issued with the given token.
func (l *EditLock) HeldBy(token string, now time.Time) bool {
	if l == nil || token == "" {
		return false
	}
	return l.Token == token && l.LiveAt(now)
}

// CartEntry is a client-staged order line carrying the prices the client last saw.
type CartEntry struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
	CasePrice int64
	CaseSize  int
}

// Product is the authoritative catalog snapshot for a single product id.
type Product struct {
	ID        string
	Name      string
	UnitPrice int64
	CasePrice int64
	CaseSize  int
	Active    bool
	// Stock is nil when availability is not tracked for the product.
	Stock     *int
	UpdatedAt time.Time
}

// DiscrepancyReason enumerates per-line reconciliation failures.
type DiscrepancyReason string

const (
	// DiscrepancyProductUnavailable means the product was removed or deactivated.
	DiscrepancyProductUnavailable DiscrepancyReason = "producto_no_disponible"
	// DiscrepancyPriceChanged means the catalog price differs from the cart price.
	DiscrepancyPriceChanged DiscrepancyReason = "precio_modificado"
	// DiscrepancyInsufficientStock means tracked stock cannot cover the requested quantity.
	DiscrepancyInsufficientStock DiscrepancyReason = "stock_insuficiente"
)

// DiscrepancyEntry explains why a single cart entry could not be committed.
type DiscrepancyEntry struct {
	ProductID         string
	Reason            DiscrepancyReason
	CartPrice         int64
	CatalogPrice      *int64
	RequestedQuantity int
	AvailableQuantity *int
}

// DiscrepancyReport lists every failed entry of a submission together with the corrected cart.
type DiscrepancyReport struct {
	Entries       []DiscrepancyEntry
	CorrectedCart []CartEntry
}

// HasDiscrepancies reports whether the report blocks a commit.
func (r *DiscrepancyReport) HasDiscrepancies() bool {
	return r != nil && len(r.Entries) > 0
}

// AuditLogEntry stores normalized audit information for back-office use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// Readiness statuses reported by dependency probes.
const (
	ReadinessOK       = "ok"
	ReadinessDegraded = "degraded"
	ReadinessError    = "error"
)

// ReadinessReport aggregates dependency probe results.
type ReadinessReport struct {
	Status      string
	Checks      map[string]ReadinessCheck
	GeneratedAt time.Time
}

// ReadinessCheck is the outcome of a single dependency probe.
type ReadinessCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}
