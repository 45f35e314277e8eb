package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/repositories"
)

type memOrderRepo struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	writes   int
	createFn func(domain.Order) error
	findErr  error
}

func newMemOrderRepo(orders ...domain.Order) *memOrderRepo {
	repo := &memOrderRepo{orders: map[string]domain.Order{}}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *memOrderRepo) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createFn != nil {
		if err := r.createFn(order); err != nil {
			return err
		}
	}
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewOrderError("orders.create", repositories.OrderErrorAlreadyExists, "order exists", nil)
	}
	r.orders[order.ID] = order
	r.writes++
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return domain.Order{}, r.findErr
	}
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderError("orders.get", repositories.OrderErrorNotFound, "order not found", nil)
	}
	return order, nil
}

func (r *memOrderRepo) Mutate(_ context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderError("orders.mutate", repositories.OrderErrorNotFound, "order not found", nil)
	}
	updated, err := fn(current)
	if err != nil {
		return domain.Order{}, err
	}
	r.orders[orderID] = updated
	r.writes++
	return updated, nil
}

func (r *memOrderRepo) FindBySubmissionKey(_ context.Context, clientID, key string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.ClientID == clientID && order.SubmissionKey == key {
			return order, nil
		}
	}
	return domain.Order{}, repositories.NewOrderError("orders.by_key", repositories.OrderErrorNotFound, "order not found", nil)
}

func (r *memOrderRepo) ListEditingByClient(_ context.Context, clientID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Order
	for _, order := range r.orders {
		if order.ClientID == clientID && order.Status == domain.OrderStatusEditing {
			result = append(result, order)
		}
	}
	return result, nil
}

func (r *memOrderRepo) ListExpiredLocks(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Order
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusEditing && !order.Lock.LiveAt(now) {
			result = append(result, order)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *memOrderRepo) get(t *testing.T, id string) domain.Order {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	require.True(t, ok, "order %s should exist", id)
	return order
}

func (r *memOrderRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type stubCatalogRepo struct {
	products map[string]domain.Product
	reads    int
	err      error
}

func (s *stubCatalogRepo) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, errors.New("not found")
	}
	return product, nil
}

func (s *stubCatalogRepo) GetMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

type seqCounterRepo struct {
	mu   sync.Mutex
	next int64
}

func (s *seqCounterRepo) Next(_ context.Context, _ string, step int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next += step
	return s.next, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.events))
	for _, event := range c.events {
		types = append(types, event.Type)
	}
	return types
}

type captureAudit struct {
	records []AuditLogRecord
}

func (c *captureAudit) Record(_ context.Context, record AuditLogRecord) {
	c.records = append(c.records, record)
}

type captureMetrics struct {
	submissions   map[string]int
	discrepancies map[string]int
	reclaimed     int
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{submissions: map[string]int{}, discrepancies: map[string]int{}}
}

func (c *captureMetrics) RecordSubmission(_ context.Context, outcome string) { c.submissions[outcome]++ }
func (c *captureMetrics) RecordDiscrepancy(_ context.Context, reason string) { c.discrepancies[reason]++ }
func (c *captureMetrics) RecordReclaimed(_ context.Context, count int)        { c.reclaimed += count }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type lifecycleFixture struct {
	svc     OrderLifecycleService
	orders  *memOrderRepo
	catalog *stubCatalogRepo
	events  *captureOrderEvents
	audit   *captureAudit
	metrics *captureMetrics
	clock   *fakeClock
}

const testLockTTL = 30 * time.Minute

func newLifecycleFixture(t *testing.T, products []domain.Product, orders ...domain.Order) *lifecycleFixture {
	t.Helper()
	catalog := &stubCatalogRepo{products: map[string]domain.Product{}}
	for _, product := range products {
		catalog.products[product.ID] = product
	}
	fx := &lifecycleFixture{
		orders:  newMemOrderRepo(orders...),
		catalog: catalog,
		events:  &captureOrderEvents{},
		audit:   &captureAudit{},
		metrics: newCaptureMetrics(),
		clock:   &fakeClock{now: time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)},
	}
	ids := 0
	svc, err := NewOrderLifecycleService(OrderLifecycleServiceDeps{
		Orders:      fx.orders,
		Catalog:     fx.catalog,
		Counters:    &seqCounterRepo{},
		Audit:       fx.audit,
		Events:      fx.events,
		Metrics:     fx.metrics,
		EditLockTTL: testLockTTL,
		Clock:       fx.clock.Now,
		IDGenerator: func() string {
			ids++
			return fmt.Sprintf("id-%03d", ids)
		},
	})
	require.NoError(t, err)
	fx.svc = svc
	return fx
}

func product(id string, unitPrice int64) domain.Product {
	return domain.Product{ID: id, Name: "Producto " + id, UnitPrice: unitPrice, CaseSize: 1, Active: true}
}

func contact() OrderContact {
	return OrderContact{Name: " Ana  Pérez ", Phone: "+54 11 5555-0000"}
}

func clientActor() Actor {
	return Actor{ID: "cli-1", Type: "cliente"}
}

func pendingOrder(id string, lines ...domain.OrderLine) domain.Order {
	created := time.Date(2025, 4, 30, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:        id,
		Number:    100,
		ClientID:  "cli-1",
		Status:    domain.OrderStatusPending,
		Contact:   OrderContact{Name: "Ana Pérez", Phone: "+541155550000"},
		Lines:     lines,
		Total:     domain.LinesTotal(lines),
		Revision:  1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func (fx *lifecycleFixture) submit(t *testing.T, entries ...CartEntry) SubmitResult {
	t.Helper()
	result, err := fx.svc.SubmitCart(context.Background(), SubmitCartCommand{
		Actor:    clientActor(),
		ClientID: "cli-1",
		Contact:  contact(),
		Entries:  entries,
	})
	require.NoError(t, err)
	return result
}

func TestSubmitCartPriceChangedReturnsReportAndCreatesNothing(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-1", 120)})

	result := fx.submit(t, CartEntry{ProductID: "SKU-1", Quantity: 2, UnitPrice: 100})

	require.False(t, result.Committed())
	require.NotNil(t, result.Report)
	require.Len(t, result.Report.Entries, 1)
	entry := result.Report.Entries[0]
	assert.Equal(t, "SKU-1", entry.ProductID)
	assert.Equal(t, domain.DiscrepancyPriceChanged, entry.Reason)
	assert.Equal(t, int64(100), entry.CartPrice)
	require.NotNil(t, entry.CatalogPrice)
	assert.Equal(t, int64(120), *entry.CatalogPrice)

	require.Len(t, result.Report.CorrectedCart, 1)
	corrected := result.Report.CorrectedCart[0]
	assert.Equal(t, "SKU-1", corrected.ProductID)
	assert.Equal(t, 2, corrected.Quantity)
	assert.Equal(t, int64(120), corrected.UnitPrice)

	assert.Equal(t, 0, fx.orders.count())
	assert.Empty(t, fx.events.types())
	assert.Equal(t, 1, fx.metrics.submissions["rejected"])
	assert.Equal(t, 1, fx.metrics.discrepancies[string(domain.DiscrepancyPriceChanged)])
}

func TestSubmitCartCreatesPendingOrder(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-2", 50)})

	result := fx.submit(t, CartEntry{ProductID: "SKU-2", Quantity: 1, UnitPrice: 50})

	require.True(t, result.Committed())
	assert.True(t, result.Created)
	order := result.Order
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, int64(50), order.Total)
	assert.Equal(t, int64(1), order.Number)
	assert.Equal(t, "ped_id-001", order.ID)
	assert.Equal(t, "Ana Pérez", order.Contact.Name)
	assert.Equal(t, "+541155550000", order.Contact.Phone)
	assert.Nil(t, order.Lock)

	stored := fx.orders.get(t, order.ID)
	assert.Equal(t, order.Total, stored.Total)
	assert.Equal(t, []string{orderEventSubmitted}, fx.events.types())
	require.Len(t, fx.audit.records, 1)
	assert.Equal(t, orderEventSubmitted, fx.audit.records[0].Action)
	assert.Equal(t, 1, fx.metrics.submissions["created"])
}

func TestSubmitCartReportsEveryDiscrepancy(t *testing.T) {
	stock := 3
	limited := product("SKU-3", 10)
	limited.Stock = &stock
	inactive := product("SKU-4", 10)
	inactive.Active = false
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-1", 120), limited, inactive})

	result := fx.submit(t,
		CartEntry{ProductID: "SKU-1", Quantity: 1, UnitPrice: 100},
		CartEntry{ProductID: "SKU-3", Quantity: 5, UnitPrice: 10},
		CartEntry{ProductID: "SKU-4", Quantity: 1, UnitPrice: 10},
		CartEntry{ProductID: "SKU-9", Quantity: 1, UnitPrice: 10},
	)

	require.NotNil(t, result.Report)
	reasons := map[string]domain.DiscrepancyReason{}
	for _, entry := range result.Report.Entries {
		reasons[entry.ProductID] = entry.Reason
	}
	assert.Equal(t, map[string]domain.DiscrepancyReason{
		"SKU-1": domain.DiscrepancyPriceChanged,
		"SKU-3": domain.DiscrepancyInsufficientStock,
		"SKU-4": domain.DiscrepancyProductUnavailable,
		"SKU-9": domain.DiscrepancyProductUnavailable,
	}, reasons)

	var shortage DiscrepancyEntry
	for _, entry := range result.Report.Entries {
		if entry.ProductID == "SKU-3" {
			shortage = entry
		}
	}
	require.NotNil(t, shortage.AvailableQuantity)
	assert.Equal(t, 3, *shortage.AvailableQuantity)

	ids := make([]string, 0, len(result.Report.CorrectedCart))
	for _, entry := range result.Report.CorrectedCart {
		ids = append(ids, entry.ProductID)
		if entry.ProductID == "SKU-3" {
			assert.Equal(t, 5, entry.Quantity, "shortage quantity must not be clamped")
		}
	}
	assert.Equal(t, []string{"SKU-1", "SKU-3"}, ids)
	assert.Equal(t, 1, fx.catalog.reads, "catalog read once per reconciliation")
	assert.Equal(t, 0, fx.orders.count())
}

func TestSubmitCartTotalComesFromCatalog(t *testing.T) {
	boxed := domain.Product{ID: "SKU-5", Name: "Caja", UnitPrice: 25, CasePrice: 280, CaseSize: 12, Active: true}
	fx := newLifecycleFixture(t, []domain.Product{boxed, product("SKU-2", 50)})

	result := fx.submit(t,
		CartEntry{ProductID: "SKU-5", Quantity: 2, UnitPrice: 25},
		CartEntry{ProductID: "SKU-2", Quantity: 3, UnitPrice: 50},
	)

	require.True(t, result.Committed())
	assert.Equal(t, int64(2*280+3*50), result.Order.Total)
	for _, line := range result.Order.Lines {
		if line.ProductID == "SKU-5" {
			assert.Equal(t, int64(280), line.CasePrice)
			assert.Equal(t, 12, line.CaseSize)
			assert.Equal(t, int64(560), line.Subtotal)
		}
	}
}

func TestSubmitCartReportsCaseChanges(t *testing.T) {
	cases := []struct {
		name        string
		catalog     domain.Product
		entry       CartEntry
		wantCart    int64
		wantCatalog int64
	}{
		{
			name:        "case size grew",
			catalog:     domain.Product{ID: "SKU-5", UnitPrice: 100, CaseSize: 12, Active: true},
			entry:       CartEntry{ProductID: "SKU-5", Quantity: 1, UnitPrice: 100, CasePrice: 600, CaseSize: 6},
			wantCart:    600,
			wantCatalog: 1200,
		},
		{
			name:        "explicit case price changed",
			catalog:     domain.Product{ID: "SKU-5", UnitPrice: 25, CasePrice: 280, CaseSize: 12, Active: true},
			entry:       CartEntry{ProductID: "SKU-5", Quantity: 2, UnitPrice: 25, CasePrice: 300, CaseSize: 12},
			wantCart:    300,
			wantCatalog: 280,
		},
		{
			name:        "case size changed without case price",
			catalog:     domain.Product{ID: "SKU-5", UnitPrice: 10, CaseSize: 24, Active: true},
			entry:       CartEntry{ProductID: "SKU-5", Quantity: 1, UnitPrice: 10, CaseSize: 12},
			wantCart:    120,
			wantCatalog: 240,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newLifecycleFixture(t, []domain.Product{tc.catalog})

			result := fx.submit(t, tc.entry)

			require.False(t, result.Committed())
			require.NotNil(t, result.Report)
			require.Len(t, result.Report.Entries, 1)
			entry := result.Report.Entries[0]
			assert.Equal(t, domain.DiscrepancyPriceChanged, entry.Reason)
			assert.Equal(t, tc.wantCart, entry.CartPrice)
			require.NotNil(t, entry.CatalogPrice)
			assert.Equal(t, tc.wantCatalog, *entry.CatalogPrice)

			corrected := result.Report.CorrectedCart[0]
			assert.Equal(t, tc.wantCatalog, corrected.CasePrice)
			assert.Equal(t, domain.EffectiveCaseSize(tc.catalog.CaseSize), corrected.CaseSize)
			assert.Equal(t, 0, fx.orders.count())
		})
	}
}

func TestSubmitCartAcceptsMatchingCasePrices(t *testing.T) {
	boxed := domain.Product{ID: "SKU-5", UnitPrice: 25, CasePrice: 280, CaseSize: 12, Active: true}
	fx := newLifecycleFixture(t, []domain.Product{boxed})

	result := fx.submit(t, CartEntry{ProductID: "SKU-5", Quantity: 1, UnitPrice: 25, CasePrice: 280, CaseSize: 12})

	require.True(t, result.Committed())
	assert.Equal(t, int64(280), result.Order.Total)
}

func TestSubmitCartRejectsInvalidInputBeforeCatalog(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-1", 10)})
	ctx := context.Background()

	cases := map[string]SubmitCartCommand{
		"empty cart": {ClientID: "cli-1", Contact: contact()},
		"zero quantity": {ClientID: "cli-1", Contact: contact(), Entries: []CartEntry{
			{ProductID: "SKU-1", Quantity: 0, UnitPrice: 10},
		}},
		"duplicate product": {ClientID: "cli-1", Contact: contact(), Entries: []CartEntry{
			{ProductID: "SKU-1", Quantity: 1, UnitPrice: 10},
			{ProductID: " SKU-1 ", Quantity: 2, UnitPrice: 10},
		}},
		"missing name": {ClientID: "cli-1", Contact: OrderContact{Phone: "123"}, Entries: []CartEntry{
			{ProductID: "SKU-1", Quantity: 1, UnitPrice: 10},
		}},
		"missing phone": {ClientID: "cli-1", Contact: OrderContact{Name: "Ana"}, Entries: []CartEntry{
			{ProductID: "SKU-1", Quantity: 1, UnitPrice: 10},
		}},
		"target without token": {ClientID: "cli-1", Contact: contact(), TargetOrderID: "ped_1", Entries: []CartEntry{
			{ProductID: "SKU-1", Quantity: 1, UnitPrice: 10},
		}},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fx.svc.SubmitCart(ctx, cmd)
			require.ErrorIs(t, err, ErrOrderInvalidInput)
		})
	}
	assert.Equal(t, 0, fx.catalog.reads)
}

func TestSubmitCartSubmissionKeyDeduplicates(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-2", 50)})
	cmd := SubmitCartCommand{
		Actor:         clientActor(),
		ClientID:      "cli-1",
		Contact:       contact(),
		Entries:       []CartEntry{{ProductID: "SKU-2", Quantity: 1, UnitPrice: 50}},
		SubmissionKey: "retry-1",
	}

	first, err := fx.svc.SubmitCart(context.Background(), cmd)
	require.NoError(t, err)
	second, err := fx.svc.SubmitCart(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 1, fx.orders.count())
}

func TestSubmitCartSubmissionKeyRaceReturnsWinner(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-2", 50)})
	// Another request stores the same keyed order between the pre-check and the create.
	fx.orders.createFn = func(order domain.Order) error {
		fx.orders.createFn = nil
		winner := order
		winner.Number = 77
		fx.orders.orders[order.ID] = winner
		return nil
	}

	result, err := fx.svc.SubmitCart(context.Background(), SubmitCartCommand{
		Actor:         clientActor(),
		ClientID:      "cli-1",
		Contact:       contact(),
		Entries:       []CartEntry{{ProductID: "SKU-2", Quantity: 1, UnitPrice: 50}},
		SubmissionKey: "retry-2",
	})
	require.NoError(t, err)
	assert.True(t, result.Deduplicated)
	assert.Equal(t, int64(77), result.Order.Number)
}

func TestSubmitCartBlockedWhileClientHoldsEdit(t *testing.T) {
	line := product("SKU-2", 50).PriceLine(1)
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-2", 50)}, pendingOrder("ped_7", line))
	_, err := fx.svc.BeginEdit(context.Background(), BeginEditCommand{Actor: clientActor(), OrderID: "ped_7", ClientID: "cli-1"})
	require.NoError(t, err)

	_, err = fx.svc.SubmitCart(context.Background(), SubmitCartCommand{
		ClientID: "cli-1",
		Contact:  contact(),
		Entries:  []CartEntry{{ProductID: "SKU-2", Quantity: 1, UnitPrice: 50}},
	})
	require.ErrorIs(t, err, ErrOrderConflict)

	fx.clock.Advance(testLockTTL + time.Second)
	result := fx.submit(t, CartEntry{ProductID: "SKU-2", Quantity: 1, UnitPrice: 50})
	assert.True(t, result.Created, "expired edit no longer blocks new orders")
}

func TestBeginEditOnInvoicedOrderConflicts(t *testing.T) {
	invoiced := pendingOrder("ped_7", product("SKU-2", 50).PriceLine(1))
	invoiced.Status = domain.OrderStatusInvoiced
	fx := newLifecycleFixture(t, nil, invoiced)

	_, err := fx.svc.BeginEdit(context.Background(), BeginEditCommand{Actor: clientActor(), OrderID: "ped_7"})

	require.ErrorIs(t, err, ErrOrderConflict)
	assert.Equal(t, invoiced, fx.orders.get(t, "ped_7"))
	assert.Zero(t, fx.orders.writes)
}

func TestBeginEditIssuesTokenAndExcludesSecondEditor(t *testing.T) {
	lines := []domain.OrderLine{product("SKU-1", 120).PriceLine(2), product("SKU-2", 50).PriceLine(1)}
	fx := newLifecycleFixture(t, nil, pendingOrder("ped_7", lines...))
	ctx := context.Background()

	session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{Actor: clientActor(), OrderID: "ped_7", ClientID: "cli-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.LockToken)
	assert.Equal(t, fx.clock.now.Add(testLockTTL), session.ExpiresAt)
	assert.Equal(t, domain.OrderStatusEditing, session.Order.Status)
	require.Len(t, session.Entries, 2)
	assert.Equal(t, int64(120), session.Entries[0].UnitPrice)

	locked := fx.orders.get(t, "ped_7")
	_, err = fx.svc.BeginEdit(ctx, BeginEditCommand{Actor: Actor{ID: "sel-1", Type: "vendedor"}, OrderID: "ped_7"})
	require.ErrorIs(t, err, ErrOrderConflict)
	assert.Equal(t, locked, fx.orders.get(t, "ped_7"), "second beginEdit leaves the order unchanged")

	fx.clock.Advance(testLockTTL)
	again, err := fx.svc.BeginEdit(ctx, BeginEditCommand{Actor: Actor{ID: "sel-1", Type: "vendedor"}, OrderID: "ped_7"})
	require.NoError(t, err, "expired lock is reclaimed passively")
	assert.NotEqual(t, session.LockToken, again.LockToken)
}

func TestBeginEditHidesOtherClientsOrders(t *testing.T) {
	fx := newLifecycleFixture(t, nil, pendingOrder("ped_7"))
	_, err := fx.svc.BeginEdit(context.Background(), BeginEditCommand{OrderID: "ped_7", ClientID: "cli-2"})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCommitEditReplacesLinesAndReleasesLock(t *testing.T) {
	catalog := []domain.Product{product("SKU-1", 120), product("SKU-2", 50)}
	fx := newLifecycleFixture(t, catalog, pendingOrder("ped_7", catalog[0].PriceLine(2)))
	ctx := context.Background()
	session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{Actor: clientActor(), OrderID: "ped_7", ClientID: "cli-1"})
	require.NoError(t, err)

	result, err := fx.svc.SubmitCart(ctx, SubmitCartCommand{
		Actor:         clientActor(),
		ClientID:      "cli-1",
		Contact:       contact(),
		Entries:       []CartEntry{{ProductID: "SKU-2", Quantity: 4, UnitPrice: 50}},
		TargetOrderID: "ped_7",
		LockToken:     session.LockToken,
	})
	require.NoError(t, err)
	require.True(t, result.Committed())
	assert.False(t, result.Created)

	stored := fx.orders.get(t, "ped_7")
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Nil(t, stored.Lock)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, "SKU-2", stored.Lines[0].ProductID)
	assert.Equal(t, int64(200), stored.Total)
	assert.Equal(t, int64(100), stored.Number, "edit keeps the order number")
	assert.Equal(t, int64(3), stored.Revision)
	assert.Equal(t, []string{orderEventEditStarted, orderEventEditCommitted}, fx.events.types())
}

func TestCommitEditWithDiscrepancyKeepsOrderUntouched(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-1", 120)}, pendingOrder("ped_7", product("SKU-1", 100).PriceLine(1)))
	ctx := context.Background()
	session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{Actor: clientActor(), OrderID: "ped_7"})
	require.NoError(t, err)
	before := fx.orders.get(t, "ped_7")

	result, err := fx.svc.SubmitCart(ctx, SubmitCartCommand{
		ClientID:      "cli-1",
		Contact:       contact(),
		Entries:       session.Entries,
		TargetOrderID: "ped_7",
		LockToken:     session.LockToken,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Report)
	assert.Equal(t, before, fx.orders.get(t, "ped_7"))
}

func TestCommitEditRejectsLostLock(t *testing.T) {
	catalog := []domain.Product{product("SKU-2", 50)}
	ctx := context.Background()
	entries := []CartEntry{{ProductID: "SKU-2", Quantity: 2, UnitPrice: 50}}

	t.Run("stale token", func(t *testing.T) {
		fx := newLifecycleFixture(t, catalog, pendingOrder("ped_7", catalog[0].PriceLine(1)))
		_, err := fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_7"})
		require.NoError(t, err)
		before := fx.orders.get(t, "ped_7")

		_, err = fx.svc.SubmitCart(ctx, SubmitCartCommand{
			ClientID: "cli-1", Contact: contact(), Entries: entries,
			TargetOrderID: "ped_7", LockToken: "someone-else",
		})
		require.ErrorIs(t, err, ErrOrderConflict)
		assert.Equal(t, before, fx.orders.get(t, "ped_7"))
	})

	t.Run("expired lock", func(t *testing.T) {
		fx := newLifecycleFixture(t, catalog, pendingOrder("ped_7", catalog[0].PriceLine(1)))
		session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_7"})
		require.NoError(t, err)
		fx.clock.Advance(testLockTTL + time.Minute)

		_, err = fx.svc.SubmitCart(ctx, SubmitCartCommand{
			ClientID: "cli-1", Contact: contact(), Entries: entries,
			TargetOrderID: "ped_7", LockToken: session.LockToken,
		})
		require.ErrorIs(t, err, ErrOrderConflict)
	})

	t.Run("order no longer editing", func(t *testing.T) {
		fx := newLifecycleFixture(t, catalog, pendingOrder("ped_7", catalog[0].PriceLine(1)))
		_, err := fx.svc.SubmitCart(ctx, SubmitCartCommand{
			ClientID: "cli-1", Contact: contact(), Entries: entries,
			TargetOrderID: "ped_7", LockToken: "tok",
		})
		require.ErrorIs(t, err, ErrOrderConflict)
		assert.Zero(t, fx.catalog.reads)
	})
}

func TestCancelEditRevertsAndIsIdempotent(t *testing.T) {
	fx := newLifecycleFixture(t, nil, pendingOrder("ped_7", product("SKU-1", 10).PriceLine(1)))
	ctx := context.Background()
	session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_7"})
	require.NoError(t, err)

	_, err = fx.svc.CancelEdit(ctx, CancelEditCommand{OrderID: "ped_7", LockToken: "wrong"})
	require.ErrorIs(t, err, ErrOrderConflict)

	order, err := fx.svc.CancelEdit(ctx, CancelEditCommand{OrderID: "ped_7", LockToken: session.LockToken})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Nil(t, order.Lock)
	writes := fx.orders.writes

	again, err := fx.svc.CancelEdit(ctx, CancelEditCommand{OrderID: "ped_7", LockToken: session.LockToken})
	require.NoError(t, err)
	assert.Equal(t, order, again)
	assert.Equal(t, writes, fx.orders.writes, "retry does not write")
}

func TestCancelOrderTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("from pendiente", func(t *testing.T) {
		fx := newLifecycleFixture(t, nil, pendingOrder("ped_7"))
		order, err := fx.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: "ped_7", Reason: "sin stock"})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCanceled, order.Status)
		require.NotNil(t, order.CanceledAt)
		assert.Equal(t, []string{orderEventCanceled}, fx.events.types())
	})

	t.Run("already cancelado", func(t *testing.T) {
		canceled := pendingOrder("ped_7")
		canceled.Status = domain.OrderStatusCanceled
		fx := newLifecycleFixture(t, nil, canceled)

		_, err := fx.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: "ped_7"})
		require.ErrorIs(t, err, ErrOrderConflict)
		stored := fx.orders.get(t, "ped_7")
		assert.Equal(t, canceled.UpdatedAt, stored.UpdatedAt)
	})

	t.Run("own edit", func(t *testing.T) {
		fx := newLifecycleFixture(t, nil, pendingOrder("ped_7"))
		session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_7"})
		require.NoError(t, err)

		_, err = fx.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: "ped_7"})
		require.ErrorIs(t, err, ErrOrderConflict, "another session cannot cancel a held order")

		order, err := fx.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: "ped_7", LockToken: session.LockToken})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCanceled, order.Status)
		assert.Nil(t, order.Lock)
	})

	t.Run("terminal", func(t *testing.T) {
		closed := pendingOrder("ped_7")
		closed.Status = domain.OrderStatusClosed
		fx := newLifecycleFixture(t, nil, closed)
		_, err := fx.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: "ped_7"})
		require.ErrorIs(t, err, ErrOrderConflict)
	})
}

func TestDuplicateWithDeactivatedItemReturnsReport(t *testing.T) {
	active := product("SKU-1", 120)
	gone := product("SKU-2", 50)
	source := pendingOrder("ped_9", active.PriceLine(2), gone.PriceLine(1))
	source.Status = domain.OrderStatusClosed
	gone.Active = false
	fx := newLifecycleFixture(t, []domain.Product{active, gone}, source)

	result, err := fx.svc.Duplicate(context.Background(), DuplicateOrderCommand{Actor: clientActor(), OrderID: "ped_9", ClientID: "cli-1"})
	require.NoError(t, err)

	require.NotNil(t, result.Report)
	require.Len(t, result.Report.Entries, 1)
	assert.Equal(t, "SKU-2", result.Report.Entries[0].ProductID)
	assert.Equal(t, domain.DiscrepancyProductUnavailable, result.Report.Entries[0].Reason)
	require.Len(t, result.Report.CorrectedCart, 1)
	assert.Equal(t, "SKU-1", result.Report.CorrectedCart[0].ProductID)
	assert.Equal(t, 1, fx.orders.count())
}

func TestDuplicateSurfacesNewPrice(t *testing.T) {
	source := pendingOrder("ped_9", product("SKU-1", 100).PriceLine(2))
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-1", 120)}, source)

	result, err := fx.svc.Duplicate(context.Background(), DuplicateOrderCommand{OrderID: "ped_9"})
	require.NoError(t, err)
	require.NotNil(t, result.Report)
	require.NotNil(t, result.Report.Entries[0].CatalogPrice)
	assert.Equal(t, int64(120), *result.Report.Entries[0].CatalogPrice)
	assert.Equal(t, int64(100), result.Report.Entries[0].CartPrice)
}

func TestDuplicateCreatesFreshOrder(t *testing.T) {
	sku := product("SKU-1", 120)
	source := pendingOrder("ped_9", sku.PriceLine(2))
	source.Status = domain.OrderStatusCanceled
	fx := newLifecycleFixture(t, []domain.Product{sku}, source)

	result, err := fx.svc.Duplicate(context.Background(), DuplicateOrderCommand{Actor: clientActor(), OrderID: "ped_9"})
	require.NoError(t, err)
	require.True(t, result.Created)
	assert.NotEqual(t, "ped_9", result.Order.ID)
	assert.Equal(t, domain.OrderStatusPending, result.Order.Status)
	assert.Equal(t, int64(240), result.Order.Total)
	assert.Equal(t, domain.OrderStatusCanceled, fx.orders.get(t, "ped_9").Status, "source untouched")
	assert.Equal(t, []string{orderEventSubmitted, orderEventDuplicated}, fx.events.types())
}

func TestDuplicateOfOrderUnderEdit(t *testing.T) {
	sku := product("SKU-1", 120)
	fx := newLifecycleFixture(t, []domain.Product{sku}, pendingOrder("ped_9", sku.PriceLine(2)))
	ctx := context.Background()
	_, err := fx.svc.BeginEdit(ctx, BeginEditCommand{Actor: clientActor(), OrderID: "ped_9", ClientID: "cli-1"})
	require.NoError(t, err)
	locked := fx.orders.get(t, "ped_9")

	result, err := fx.svc.Duplicate(ctx, DuplicateOrderCommand{Actor: clientActor(), OrderID: "ped_9", ClientID: "cli-1"})
	require.NoError(t, err)
	require.True(t, result.Created)
	assert.Equal(t, domain.OrderStatusPending, result.Order.Status)
	assert.Equal(t, int64(240), result.Order.Total)
	assert.Equal(t, locked, fx.orders.get(t, "ped_9"), "source keeps its lock")
	assert.Equal(t, 2, fx.orders.count())

	record := fx.audit.records[len(fx.audit.records)-1]
	assert.Equal(t, orderEventDuplicated, record.Action)
	assert.Equal(t, fx.clock.now, record.OccurredAt)
}

func TestEditLockStatus(t *testing.T) {
	fx := newLifecycleFixture(t, nil, pendingOrder("ped_7"))
	ctx := context.Background()
	session, err := fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_7"})
	require.NoError(t, err)

	status, err := fx.svc.EditLockStatus(ctx, EditLockStatusCommand{OrderID: "ped_7", LockToken: session.LockToken})
	require.NoError(t, err)
	assert.True(t, status.Held)
	require.NotNil(t, status.ExpiresAt)
	assert.Equal(t, session.ExpiresAt, *status.ExpiresAt)

	status, err = fx.svc.EditLockStatus(ctx, EditLockStatusCommand{OrderID: "ped_7", LockToken: "other"})
	require.NoError(t, err)
	assert.False(t, status.Held)

	fx.clock.Advance(testLockTTL)
	status, err = fx.svc.EditLockStatus(ctx, EditLockStatusCommand{OrderID: "ped_7", LockToken: session.LockToken})
	require.NoError(t, err)
	assert.False(t, status.Held)
	assert.Equal(t, domain.OrderStatusEditing, status.Status)
}

func TestReclaimExpiredLocks(t *testing.T) {
	fx := newLifecycleFixture(t, nil, pendingOrder("ped_7"), pendingOrder("ped_8"))
	ctx := context.Background()
	_, err := fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_7"})
	require.NoError(t, err)
	fx.clock.Advance(testLockTTL / 2)
	_, err = fx.svc.BeginEdit(ctx, BeginEditCommand{OrderID: "ped_8"})
	require.NoError(t, err)
	fx.clock.Advance(testLockTTL / 2)

	n, err := fx.svc.ReclaimExpiredLocks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.OrderStatusPending, fx.orders.get(t, "ped_7").Status)
	assert.Nil(t, fx.orders.get(t, "ped_7").Lock)
	assert.Equal(t, domain.OrderStatusEditing, fx.orders.get(t, "ped_8").Status)
	assert.Equal(t, 1, fx.metrics.reclaimed)

	last := fx.audit.records[len(fx.audit.records)-1]
	assert.Equal(t, orderEventEditReclaimed, last.Action)
	assert.Equal(t, actorTypeSystem, last.ActorType)
}

func TestGetOrderMapsRepositoryErrors(t *testing.T) {
	fx := newLifecycleFixture(t, nil, pendingOrder("ped_7"))
	ctx := context.Background()

	_, err := fx.svc.GetOrder(ctx, GetOrderCommand{OrderID: "ped_missing"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = fx.svc.GetOrder(ctx, GetOrderCommand{OrderID: "ped_7", ClientID: "cli-2"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	fx.orders.findErr = unavailableError{}
	_, err = fx.svc.GetOrder(ctx, GetOrderCommand{OrderID: "ped_7"})
	require.ErrorIs(t, err, ErrOrderUnavailable)
}

func TestValidateCartDoesNotPersist(t *testing.T) {
	fx := newLifecycleFixture(t, []domain.Product{product("SKU-2", 50)})
	quote, err := fx.svc.ValidateCart(context.Background(), ValidateCartCommand{
		Entries: []CartEntry{{ProductID: "SKU-2", Quantity: 2, UnitPrice: 50}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), quote.Total)
	assert.False(t, quote.Report.HasDiscrepancies())
	assert.Equal(t, 0, fx.orders.count())
}

func TestNewOrderLifecycleServiceRequiresRepositories(t *testing.T) {
	_, err := NewOrderLifecycleService(OrderLifecycleServiceDeps{})
	require.Error(t, err)
	_, err = NewOrderLifecycleService(OrderLifecycleServiceDeps{Orders: newMemOrderRepo()})
	require.Error(t, err)
	_, err = NewOrderLifecycleService(OrderLifecycleServiceDeps{Orders: newMemOrderRepo(), Catalog: &stubCatalogRepo{}})
	require.Error(t, err)
}

type unavailableError struct{}

func (unavailableError) Error() string       { return "backend unavailable" }
func (unavailableError) IsNotFound() bool    { return false }
func (unavailableError) IsConflict() bool    { return false }
func (unavailableError) IsUnavailable() bool { return true }
