package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/platform/textutil"
	"github.com/mayorista/pedidos/internal/repositories"
)

const (
	orderEventSubmitted     = "order.submitted"
	orderEventEditStarted   = "order.edit_started"
	orderEventEditCommitted = "order.edit_committed"
	orderEventEditCanceled  = "order.edit_canceled"
	orderEventEditReclaimed = "order.edit_reclaimed"
	orderEventCanceled      = "order.canceled"
	orderEventDuplicated    = "order.duplicated"

	orderIDPrefix      = "ped_"
	orderCounterID     = "orders"
	defaultEditLockTTL = 30 * time.Minute

	actorTypeClient = "cliente"
	actorTypeSeller = "vendedor"
	actorTypeSystem = "system"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data (datos_invalidos).
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates the transition is illegal for the current status or lock
	// (conflicto_de_estado).
	ErrOrderConflict = errors.New("order: state conflict")
	// ErrOrderUnavailable indicates a backing store could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")

	// errOrderUnchanged aborts a mutation that has nothing to write.
	errOrderUnchanged = errors.New("order: unchanged")
)

// OrderLifecycleServiceDeps bundles collaborators required to construct the lifecycle service.
type OrderLifecycleServiceDeps struct {
	Orders      repositories.OrderRepository
	Catalog     repositories.CatalogRepository
	Counters    repositories.CounterRepository
	Audit       AuditLogService
	Events      OrderEventPublisher
	Metrics     OrderMetrics
	EditLockTTL time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderLifecycleService struct {
	orders   repositories.OrderRepository
	catalog  repositories.CatalogRepository
	counters repositories.CounterRepository
	audit    AuditLogService
	events   OrderEventPublisher
	metrics  OrderMetrics
	lockTTL  time.Duration
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewOrderLifecycleService wires dependencies into a concrete OrderLifecycleService.
func NewOrderLifecycleService(deps OrderLifecycleServiceDeps) (OrderLifecycleService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order lifecycle service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order lifecycle service: catalog repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order lifecycle service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.EditLockTTL
	if ttl <= 0 {
		ttl = defaultEditLockTTL
	}
	audit := deps.Audit
	if audit == nil {
		audit = noopAuditLogService{}
	}

	return &orderLifecycleService{
		orders:   deps.Orders,
		catalog:  deps.Catalog,
		counters: deps.Counters,
		audit:    audit,
		events:   deps.Events,
		metrics:  deps.Metrics,
		lockTTL:  ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderLifecycleService) SubmitCart(ctx context.Context, cmd SubmitCartCommand) (SubmitResult, error) {
	return s.submit(ctx, cmd, true)
}

// submit reconciles and commits a cart. guardOpenEdit enforces one open edit per client on
// bare creates; duplication skips it.
func (s *orderLifecycleService) submit(ctx context.Context, cmd SubmitCartCommand, guardOpenEdit bool) (SubmitResult, error) {
	clientID := strings.TrimSpace(cmd.ClientID)
	targetID := strings.TrimSpace(cmd.TargetOrderID)
	if clientID == "" {
		return SubmitResult{}, fmt.Errorf("%w: client id is required", ErrOrderInvalidInput)
	}
	contact, err := normalizeContact(cmd.Contact)
	if err != nil {
		return SubmitResult{}, err
	}
	entries, err := validateEntries(cmd.Entries)
	if err != nil {
		return SubmitResult{}, err
	}
	if targetID != "" && strings.TrimSpace(cmd.LockToken) == "" {
		return SubmitResult{}, fmt.Errorf("%w: lock token is required to commit an edit", ErrOrderInvalidInput)
	}

	key := strings.TrimSpace(cmd.SubmissionKey)
	if targetID == "" && key != "" {
		existing, err := s.orders.FindBySubmissionKey(ctx, clientID, key)
		if err == nil {
			s.recordSubmission(ctx, "deduplicated")
			return SubmitResult{Order: &existing, Deduplicated: true}, nil
		}
		if mapped := s.mapRepositoryError(err); !errors.Is(mapped, ErrOrderNotFound) {
			return SubmitResult{}, mapped
		}
	}

	// Cheap legality checks ahead of the catalog read. The transaction below re-checks.
	if targetID != "" {
		current, err := s.orders.FindByID(ctx, targetID)
		if err != nil {
			return SubmitResult{}, s.mapRepositoryError(err)
		}
		if err := checkOwner(current, clientID); err != nil {
			return SubmitResult{}, err
		}
		if err := s.checkEditHeld(current, cmd.LockToken, s.now()); err != nil {
			return SubmitResult{}, err
		}
	} else if guardOpenEdit {
		if err := s.ensureNoOpenEdit(ctx, clientID); err != nil {
			return SubmitResult{}, err
		}
	}

	catalog, err := s.catalog.GetMany(ctx, productIDs(entries))
	if err != nil {
		return SubmitResult{}, s.mapRepositoryError(err)
	}
	rec := reconcileCart(entries, catalog)
	if rec.Report.HasDiscrepancies() {
		for _, entry := range rec.Report.Entries {
			s.recordDiscrepancy(ctx, string(entry.Reason))
		}
		s.recordSubmission(ctx, "rejected")
		s.logger(ctx, "order.submit.rejected", map[string]any{
			"clientId":      clientID,
			"targetOrderId": targetID,
			"discrepancies": len(rec.Report.Entries),
		})
		report := rec.Report
		return SubmitResult{Report: &report}, nil
	}

	notes := textutil.SanitizeNotes(cmd.Notes)
	if targetID != "" {
		order, err := s.commitEdit(ctx, cmd, targetID, clientID, contact, notes, rec)
		if err != nil {
			return SubmitResult{}, err
		}
		s.recordSubmission(ctx, "committed")
		return SubmitResult{Order: &order}, nil
	}

	order, dedup, err := s.createOrder(ctx, cmd, clientID, contact, notes, key, rec)
	if err != nil {
		return SubmitResult{}, err
	}
	if dedup {
		s.recordSubmission(ctx, "deduplicated")
		return SubmitResult{Order: &order, Deduplicated: true}, nil
	}
	s.recordSubmission(ctx, "created")
	return SubmitResult{Order: &order, Created: true}, nil
}

func (s *orderLifecycleService) createOrder(ctx context.Context, cmd SubmitCartCommand, clientID string, contact OrderContact, notes, key string, rec reconciliation) (Order, bool, error) {
	number, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return Order{}, false, s.mapRepositoryError(err)
	}

	now := s.now()
	order := Order{
		ID:            s.orderIDFor(clientID, key),
		Number:        number,
		ClientID:      clientID,
		SellerID:      optionalString(cmd.SellerID),
		Status:        domain.OrderStatusPending,
		Contact:       contact,
		Lines:         rec.Lines,
		Total:         rec.Total,
		Notes:         notes,
		SubmissionKey: key,
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Create(ctx, order); err != nil {
		mapped := s.mapRepositoryError(err)
		// A concurrent retry with the same key won the race; hand back its order.
		if key != "" && errors.Is(mapped, ErrOrderConflict) {
			existing, findErr := s.orders.FindBySubmissionKey(ctx, clientID, key)
			if findErr == nil {
				return existing, true, nil
			}
		}
		return Order{}, false, mapped
	}

	s.audit.Record(ctx, AuditLogRecord{
		Actor:      cmd.Actor.ID,
		ActorType:  cmd.Actor.Type,
		Action:     orderEventSubmitted,
		TargetRef:  orderTargetRef(order.ID),
		OccurredAt: now,
		Metadata: map[string]any{
			"orderNumber": order.Number,
			"clientId":    order.ClientID,
			"lines":       len(order.Lines),
			"total":       order.Total,
		},
		Diff: map[string]AuditLogDiff{
			"status": {Before: nil, After: string(order.Status)},
		},
	})
	s.publishEvent(ctx, newOrderEvent(orderEventSubmitted, order, cmd.Actor, now))
	return order, false, nil
}

func (s *orderLifecycleService) commitEdit(ctx context.Context, cmd SubmitCartCommand, orderID, clientID string, contact OrderContact, notes string, rec reconciliation) (Order, error) {
	now := s.now()
	var before Order
	updated, err := s.orders.Mutate(ctx, orderID, func(current Order) (Order, error) {
		if err := checkOwner(current, clientID); err != nil {
			return Order{}, err
		}
		if err := s.checkEditHeld(current, cmd.LockToken, now); err != nil {
			return Order{}, err
		}
		before = current
		current.Lines = rec.Lines
		current.Total = rec.Total
		current.Contact = contact
		current.Notes = notes
		current.Status = domain.OrderStatusPending
		current.Lock = nil
		current.Revision++
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.audit.Record(ctx, AuditLogRecord{
		Actor:      cmd.Actor.ID,
		ActorType:  cmd.Actor.Type,
		Action:     orderEventEditCommitted,
		TargetRef:  orderTargetRef(updated.ID),
		OccurredAt: now,
		Metadata: map[string]any{
			"orderNumber": updated.Number,
			"lockToken":   cmd.LockToken,
		},
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(before.Status), After: string(updated.Status)},
			"total":  {Before: before.Total, After: updated.Total},
			"lines":  {Before: len(before.Lines), After: len(updated.Lines)},
		},
		SensitiveMetadataKeys: []string{"lockToken"},
	})
	s.publishEvent(ctx, newOrderEvent(orderEventEditCommitted, updated, cmd.Actor, now))
	return updated, nil
}

func (s *orderLifecycleService) ValidateCart(ctx context.Context, cmd ValidateCartCommand) (CartQuote, error) {
	entries, err := validateEntries(cmd.Entries)
	if err != nil {
		return CartQuote{}, err
	}
	catalog, err := s.catalog.GetMany(ctx, productIDs(entries))
	if err != nil {
		return CartQuote{}, s.mapRepositoryError(err)
	}
	rec := reconcileCart(entries, catalog)
	return CartQuote{Lines: rec.Lines, Total: rec.Total, Report: rec.Report}, nil
}

func (s *orderLifecycleService) BeginEdit(ctx context.Context, cmd BeginEditCommand) (EditSession, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return EditSession{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	lock := &domain.EditLock{
		Token:      s.newID(),
		HolderID:   strings.TrimSpace(cmd.Actor.ID),
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.lockTTL),
	}
	var previous domain.OrderStatus
	updated, err := s.orders.Mutate(ctx, orderID, func(current Order) (Order, error) {
		if err := checkOwner(current, cmd.ClientID); err != nil {
			return Order{}, err
		}
		if !editable(current, now) {
			return Order{}, fmt.Errorf("%w: order %s is %s and cannot be edited", ErrOrderConflict, current.ID, describeStatus(current, now))
		}
		previous = current.Status
		current.Status = domain.OrderStatusEditing
		current.Lock = lock
		current.Revision++
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		return EditSession{}, s.mapRepositoryError(err)
	}

	s.audit.Record(ctx, AuditLogRecord{
		Actor:      cmd.Actor.ID,
		ActorType:  cmd.Actor.Type,
		Action:     orderEventEditStarted,
		TargetRef:  orderTargetRef(updated.ID),
		OccurredAt: now,
		Metadata: map[string]any{
			"lockToken": lock.Token,
			"expiresAt": lock.ExpiresAt,
		},
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(previous), After: string(updated.Status)},
		},
		SensitiveMetadataKeys: []string{"lockToken"},
	})
	s.publishEvent(ctx, newOrderEvent(orderEventEditStarted, updated, cmd.Actor, now))

	return EditSession{
		Order:     updated,
		LockToken: lock.Token,
		ExpiresAt: lock.ExpiresAt,
		Entries:   cartFromLines(updated.Lines),
	}, nil
}

func (s *orderLifecycleService) CancelEdit(ctx context.Context, cmd CancelEditCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var unchanged Order
	updated, err := s.orders.Mutate(ctx, orderID, func(current Order) (Order, error) {
		if err := checkOwner(current, cmd.ClientID); err != nil {
			return Order{}, err
		}
		switch {
		case current.Status == domain.OrderStatusPending && current.Lock == nil:
			// Retry of a cancel that already went through.
			unchanged = current
			return Order{}, errOrderUnchanged
		case current.Status != domain.OrderStatusEditing:
			return Order{}, fmt.Errorf("%w: order %s is %s and has no edit to cancel", ErrOrderConflict, current.ID, current.Status)
		case current.Lock.LiveAt(now) && !current.Lock.HeldBy(cmd.LockToken, now):
			return Order{}, fmt.Errorf("%w: order %s is held by another edit session", ErrOrderConflict, current.ID)
		}
		current.Status = domain.OrderStatusPending
		current.Lock = nil
		current.Revision++
		current.UpdatedAt = now
		return current, nil
	})
	if errors.Is(err, errOrderUnchanged) {
		return unchanged, nil
	}
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.audit.Record(ctx, AuditLogRecord{
		Actor:      cmd.Actor.ID,
		ActorType:  cmd.Actor.Type,
		Action:     orderEventEditCanceled,
		TargetRef:  orderTargetRef(updated.ID),
		OccurredAt: now,
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(domain.OrderStatusEditing), After: string(updated.Status)},
		},
	})
	s.publishEvent(ctx, newOrderEvent(orderEventEditCanceled, updated, cmd.Actor, now))
	return updated, nil
}

func (s *orderLifecycleService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var previous domain.OrderStatus
	updated, err := s.orders.Mutate(ctx, orderID, func(current Order) (Order, error) {
		if err := checkOwner(current, cmd.ClientID); err != nil {
			return Order{}, err
		}
		switch {
		case current.Status == domain.OrderStatusPending:
		case current.Status == domain.OrderStatusEditing && !current.Lock.LiveAt(now):
			// An expired edit is treated as pendiente.
		case current.Status == domain.OrderStatusEditing && current.Lock.HeldBy(cmd.LockToken, now):
		case current.Status == domain.OrderStatusEditing:
			return Order{}, fmt.Errorf("%w: order %s is being edited by another session", ErrOrderConflict, current.ID)
		default:
			return Order{}, fmt.Errorf("%w: order %s is %s and cannot be canceled", ErrOrderConflict, current.ID, current.Status)
		}
		previous = current.Status
		current.Status = domain.OrderStatusCanceled
		current.Lock = nil
		current.CanceledAt = &now
		current.Revision++
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = textutil.SanitizeNotes(reason)
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      cmd.Actor.ID,
		ActorType:  cmd.Actor.Type,
		Action:     orderEventCanceled,
		TargetRef:  orderTargetRef(updated.ID),
		OccurredAt: now,
		Metadata:   metadata,
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(previous), After: string(updated.Status)},
		},
	})
	event := newOrderEvent(orderEventCanceled, updated, cmd.Actor, now)
	event.Metadata = metadata
	s.publishEvent(ctx, event)
	return updated, nil
}

func (s *orderLifecycleService) Duplicate(ctx context.Context, cmd DuplicateOrderCommand) (SubmitResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SubmitResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	source, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SubmitResult{}, s.mapRepositoryError(err)
	}
	if err := checkOwner(source, cmd.ClientID); err != nil {
		return SubmitResult{}, err
	}

	sellerID := ""
	if source.SellerID != nil {
		sellerID = *source.SellerID
	}
	result, err := s.submit(ctx, SubmitCartCommand{
		Actor:         cmd.Actor,
		ClientID:      source.ClientID,
		SellerID:      sellerID,
		Contact:       source.Contact,
		Entries:       cartFromLines(source.Lines),
		Notes:         source.Notes,
		SubmissionKey: cmd.SubmissionKey,
	}, false)
	if err != nil || !result.Committed() || result.Deduplicated {
		return result, err
	}

	now := s.now()
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      cmd.Actor.ID,
		ActorType:  cmd.Actor.Type,
		Action:     orderEventDuplicated,
		TargetRef:  orderTargetRef(result.Order.ID),
		OccurredAt: now,
		Metadata: map[string]any{
			"sourceOrderId":     source.ID,
			"sourceOrderNumber": source.Number,
		},
	})
	event := newOrderEvent(orderEventDuplicated, *result.Order, cmd.Actor, now)
	event.Metadata = map[string]any{"sourceOrderId": source.ID}
	s.publishEvent(ctx, event)
	return result, nil
}

func (s *orderLifecycleService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := checkOwner(order, cmd.ClientID); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderLifecycleService) EditLockStatus(ctx context.Context, cmd EditLockStatusCommand) (EditLockStatus, error) {
	order, err := s.GetOrder(ctx, GetOrderCommand{OrderID: cmd.OrderID, ClientID: cmd.ClientID})
	if err != nil {
		return EditLockStatus{}, err
	}
	status := EditLockStatus{OrderID: order.ID, Status: order.Status}
	if order.Status == domain.OrderStatusEditing && order.Lock.HeldBy(strings.TrimSpace(cmd.LockToken), s.now()) {
		status.Held = true
		expires := order.Lock.ExpiresAt
		status.ExpiresAt = &expires
	}
	return status, nil
}

func (s *orderLifecycleService) ReclaimExpiredLocks(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be positive", ErrOrderInvalidInput)
	}
	now := s.now()
	candidates, err := s.orders.ListExpiredLocks(ctx, now, limit)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}

	system := Actor{ID: actorTypeSystem, Type: actorTypeSystem}
	reclaimed := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		var holder string
		updated, err := s.orders.Mutate(ctx, candidate.ID, func(current Order) (Order, error) {
			if current.Status != domain.OrderStatusEditing || current.Lock.LiveAt(now) {
				return Order{}, errOrderUnchanged
			}
			if current.Lock != nil {
				holder = current.Lock.HolderID
			}
			current.Status = domain.OrderStatusPending
			current.Lock = nil
			current.Revision++
			current.UpdatedAt = now
			return current, nil
		})
		if errors.Is(err, errOrderUnchanged) {
			continue
		}
		if err != nil {
			s.logger(ctx, "order.reclaim.failed", map[string]any{
				"orderId": candidate.ID,
				"error":   err.Error(),
			})
			continue
		}
		reclaimed++
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      system.ID,
			ActorType:  system.Type,
			Action:     orderEventEditReclaimed,
			TargetRef:  orderTargetRef(updated.ID),
			OccurredAt: now,
			Metadata:   map[string]any{"holderId": holder},
			Diff: map[string]AuditLogDiff{
				"status": {Before: string(domain.OrderStatusEditing), After: string(updated.Status)},
			},
		})
		s.publishEvent(ctx, newOrderEvent(orderEventEditReclaimed, updated, system, now))
	}

	if s.metrics != nil {
		s.metrics.RecordReclaimed(ctx, reclaimed)
	}
	return reclaimed, nil
}

// ensureNoOpenEdit enforces one open edit per client: a new order cannot be created while the
// client holds a live edit lock on another order.
func (s *orderLifecycleService) ensureNoOpenEdit(ctx context.Context, clientID string) error {
	editing, err := s.orders.ListEditingByClient(ctx, clientID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	now := s.now()
	for _, order := range editing {
		if order.Lock.LiveAt(now) {
			return fmt.Errorf("%w: order %s is being edited; finish or cancel the edit first", ErrOrderConflict, order.ID)
		}
	}
	return nil
}

func (s *orderLifecycleService) checkEditHeld(order Order, token string, now time.Time) error {
	if order.Status != domain.OrderStatusEditing {
		return fmt.Errorf("%w: order %s is %s, not under edit", ErrOrderConflict, order.ID, order.Status)
	}
	if !order.Lock.HeldBy(strings.TrimSpace(token), now) {
		return fmt.Errorf("%w: edit lock on order %s is no longer held", ErrOrderConflict, order.ID)
	}
	return nil
}

func (s *orderLifecycleService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOrderConflict) || errors.Is(err, ErrOrderInvalidInput) || errors.Is(err, ErrOrderNotFound) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

// orderIDFor derives the document id from the submission key so two concurrent retries collide
// on create instead of producing two orders.
func (s *orderLifecycleService) orderIDFor(clientID, key string) string {
	if key == "" {
		return orderIDPrefix + s.newID()
	}
	sum := sha256.Sum256([]byte(clientID + "\x00" + key))
	return orderIDPrefix + hex.EncodeToString(sum[:13])
}

func (s *orderLifecycleService) now() time.Time {
	return s.clock()
}

func (s *orderLifecycleService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.Status,
		})
	}
}

func (s *orderLifecycleService) recordSubmission(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(ctx, outcome)
	}
}

func (s *orderLifecycleService) recordDiscrepancy(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.RecordDiscrepancy(ctx, reason)
	}
}

// checkOwner hides orders of other clients behind not-found. An empty clientID skips the check.
func checkOwner(order Order, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID != "" && order.ClientID != clientID {
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	}
	return nil
}

// editable reports whether BeginEdit may take the lock: pendiente, or editando whose lock expired.
func editable(order Order, now time.Time) bool {
	switch order.Status {
	case domain.OrderStatusPending:
		return true
	case domain.OrderStatusEditing:
		return !order.Lock.LiveAt(now)
	default:
		return false
	}
}

func describeStatus(order Order, now time.Time) string {
	if order.Status == domain.OrderStatusEditing && order.Lock.LiveAt(now) {
		return "locked for edit until " + order.Lock.ExpiresAt.Format(time.RFC3339)
	}
	return string(order.Status)
}

func normalizeContact(contact OrderContact) (OrderContact, error) {
	normalized := OrderContact{
		Name:  textutil.NormalizeName(contact.Name),
		Phone: textutil.NormalizePhone(contact.Phone),
		Email: strings.ToLower(strings.TrimSpace(contact.Email)),
	}
	if normalized.Name == "" {
		return OrderContact{}, fmt.Errorf("%w: contact name is required", ErrOrderInvalidInput)
	}
	if normalized.Phone == "" {
		return OrderContact{}, fmt.Errorf("%w: contact phone is required", ErrOrderInvalidInput)
	}
	return normalized, nil
}

func newOrderEvent(eventType string, order Order, actor Actor, now time.Time) OrderEvent {
	event := OrderEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		ClientID:    order.ClientID,
		Status:      string(order.Status),
		Total:       order.Total,
		Contact: OrderEventContact{
			Name:  order.Contact.Name,
			Phone: order.Contact.Phone,
			Email: order.Contact.Email,
		},
		ActorID:    actor.ID,
		OccurredAt: now,
	}
	if order.SellerID != nil {
		event.SellerID = *order.SellerID
	}
	return event
}

func orderTargetRef(orderID string) string {
	return "/orders/" + orderID
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

type noopAuditLogService struct{}

func (noopAuditLogService) Record(context.Context, AuditLogRecord) {}
