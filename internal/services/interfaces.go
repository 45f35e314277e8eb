package services

import (
	"context"
	"time"

	domain "github.com/mayorista/pedidos/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order             = domain.Order
	OrderLine         = domain.OrderLine
	OrderStatus       = domain.OrderStatus
	OrderContact      = domain.OrderContact
	CartEntry         = domain.CartEntry
	DiscrepancyReport = domain.DiscrepancyReport
	DiscrepancyEntry  = domain.DiscrepancyEntry
)

// OrderLifecycleService turns client carts into orders and arbitrates exclusive edit access.
type OrderLifecycleService interface {
	// SubmitCart reconciles the cart against the catalog and either commits it (creating a new
	// order, or replacing the lines of the order under edit) or returns a discrepancy report.
	SubmitCart(ctx context.Context, cmd SubmitCartCommand) (SubmitResult, error)
	// ValidateCart runs reconciliation without persisting anything.
	ValidateCart(ctx context.Context, cmd ValidateCartCommand) (CartQuote, error)
	BeginEdit(ctx context.Context, cmd BeginEditCommand) (EditSession, error)
	CancelEdit(ctx context.Context, cmd CancelEditCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// Duplicate resubmits a copy of an order's lines through SubmitCart as a new cart.
	Duplicate(ctx context.Context, cmd DuplicateOrderCommand) (SubmitResult, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	EditLockStatus(ctx context.Context, cmd EditLockStatusCommand) (EditLockStatus, error)
	// ReclaimExpiredLocks reverts up to limit orders whose edit lock expired and reports how many
	// were reverted.
	ReclaimExpiredLocks(ctx context.Context, limit int) (int, error)
}

// SystemService backs the liveness and readiness endpoints.
type SystemService interface {
	Liveness(ctx context.Context) SystemStatus
	Readiness(ctx context.Context) (domain.ReadinessReport, error)
}

// AuditLogService centralizes immutable audit log persistence.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderMetrics receives lifecycle counters.
type OrderMetrics interface {
	RecordSubmission(ctx context.Context, outcome string)
	RecordDiscrepancy(ctx context.Context, reason string)
	RecordReclaimed(ctx context.Context, count int)
}

// Actor identifies who requested an operation. Type is "cliente", "vendedor" or "system".
type Actor struct {
	ID   string
	Type string
}

// SubmitCartCommand carries a full cart submission. TargetOrderID and LockToken are set only
// when committing an edit.
type SubmitCartCommand struct {
	Actor         Actor
	ClientID      string
	SellerID      string
	Contact       OrderContact
	Entries       []CartEntry
	Notes         string
	TargetOrderID string
	LockToken     string
	// SubmissionKey makes a bare create safe to retry: a second submission with the same key
	// for the same client returns the order created by the first.
	SubmissionKey string
}

// SubmitResult is either a committed order or a discrepancy report, never both.
type SubmitResult struct {
	Order        *Order
	Report       *DiscrepancyReport
	Created      bool
	Deduplicated bool
}

// Committed reports whether the submission produced or updated an order.
func (r SubmitResult) Committed() bool {
	return r.Order != nil
}

// ValidateCartCommand carries a dry-run reconciliation request.
type ValidateCartCommand struct {
	ClientID string
	Entries  []CartEntry
}

// CartQuote is the outcome of a dry run: catalog-priced lines and every discrepancy found.
type CartQuote struct {
	Lines  []OrderLine
	Total  int64
	Report DiscrepancyReport
}

// BeginEditCommand requests the edit lock on an order. ClientID, when set, restricts the
// operation to orders owned by that client.
type BeginEditCommand struct {
	Actor    Actor
	OrderID  string
	ClientID string
}

// EditSession is returned on lock acquisition; Entries seed the client's cart.
type EditSession struct {
	Order     Order
	LockToken string
	ExpiresAt time.Time
	Entries   []CartEntry
}

// CancelEditCommand releases an edit lock without persisting edited content.
type CancelEditCommand struct {
	Actor     Actor
	OrderID   string
	ClientID  string
	LockToken string
}

// CancelOrderCommand cancels an order. LockToken is required when the order is under edit.
type CancelOrderCommand struct {
	Actor     Actor
	OrderID   string
	ClientID  string
	LockToken string
	Reason    string
}

// DuplicateOrderCommand copies an order's lines into a fresh submission.
type DuplicateOrderCommand struct {
	Actor         Actor
	OrderID       string
	ClientID      string
	SubmissionKey string
}

// GetOrderCommand reads a single order.
type GetOrderCommand struct {
	OrderID  string
	ClientID string
}

// EditLockStatusCommand is the lock poll request.
type EditLockStatusCommand struct {
	OrderID   string
	ClientID  string
	LockToken string
}

// EditLockStatus reports whether the presented token still holds the order.
type EditLockStatus struct {
	OrderID   string
	Status    OrderStatus
	Held      bool
	ExpiresAt *time.Time
}

// OrderEvent is the lifecycle event payload published to downstream consumers.
type OrderEvent struct {
	Type        string            `json:"type"`
	OrderID     string            `json:"orderId"`
	OrderNumber int64             `json:"orderNumber"`
	ClientID    string            `json:"clientId"`
	SellerID    string            `json:"sellerId,omitempty"`
	Status      string            `json:"status"`
	Total       int64             `json:"total"`
	Contact     OrderEventContact `json:"contact"`
	ActorID     string            `json:"actorId,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// OrderEventContact is the contact snapshot notification sinks address.
type OrderEventContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}
