package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/platform/auth"
	"github.com/mayorista/pedidos/internal/platform/httpx"
	"github.com/mayorista/pedidos/internal/services"
)

const (
	defaultMaxOrderBodySize = 256 * 1024
	maxOrderCancelBodySize  = 4 * 1024

	// LockTokenHeader carries the edit lock token on lock-scoped requests.
	LockTokenHeader = "X-Edit-Lock-Token"
	// IdempotencyKeyHeader carries the submission key of a bare create.
	IdempotencyKeyHeader = "Idempotency-Key"

	errorCodeConflict      = "conflicto_de_estado"
	errorCodeInvalidInput  = "datos_invalidos"
	errorCodeNotFound      = "order_not_found"
	errorCodeUnavailable   = "order_unavailable"
	errorCodeDiscrepancies = "discrepancias"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// OrderHandlers exposes the order lifecycle engine to authenticated clients and sellers.
type OrderHandlers struct {
	orders  services.OrderLifecycleService
	maxBody int64
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithMaxBodySize caps the size of submission bodies.
func WithMaxBodySize(limit int64) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderLifecycleService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders, maxBody: defaultMaxOrderBodySize}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order and cart endpoints on the API group.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders:submit", h.submitCart)
	r.Post("/carts:validate", h.validateCart)
	r.Route("/orders", func(or chi.Router) {
		or.Get("/{orderID}", h.getOrder)
		or.Post("/{orderID}/edit", h.beginEdit)
		or.Get("/{orderID}/edit", h.editLockStatus)
		or.Delete("/{orderID}/edit", h.cancelEdit)
		or.Post("/{orderID}:cancel", h.cancelOrder)
		or.Post("/{orderID}:duplicate", h.duplicateOrder)
	})
}

type cartEntryPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	CasePrice int64  `json:"case_price,omitempty"`
	CaseSize  int    `json:"case_size,omitempty"`
}

type contactPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type submitCartRequest struct {
	ClientID      string             `json:"client_id"`
	SellerID      string             `json:"seller_id"`
	Contact       contactPayload     `json:"contact"`
	Lines         []cartEntryPayload `json:"lines"`
	Notes         string             `json:"notes"`
	OrderID       string             `json:"order_id"`
	LockToken     string             `json:"lock_token"`
	SubmissionKey string             `json:"submission_key"`
}

type validateCartRequest struct {
	ClientID string             `json:"client_id"`
	Lines    []cartEntryPayload `json:"lines"`
}

type cancelOrderRequest struct {
	Reason    string `json:"reason"`
	LockToken string `json:"lock_token"`
}

type orderLinePayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	CaseSize  int    `json:"case_size"`
	UnitPrice int64  `json:"unit_price"`
	CasePrice int64  `json:"case_price"`
	Subtotal  int64  `json:"subtotal"`
}

type orderLockPayload struct {
	HolderID  string `json:"holder_id"`
	ExpiresAt string `json:"expires_at"`
}

type orderPayload struct {
	ID         string             `json:"id"`
	Number     int64              `json:"number"`
	ClientID   string             `json:"client_id"`
	SellerID   string             `json:"seller_id,omitempty"`
	Status     string             `json:"status"`
	Contact    contactPayload     `json:"contact"`
	Lines      []orderLinePayload `json:"lines"`
	Total      int64              `json:"total"`
	Notes      string             `json:"notes,omitempty"`
	Revision   int64              `json:"revision"`
	Lock       *orderLockPayload  `json:"lock,omitempty"`
	CreatedAt  string             `json:"created_at"`
	UpdatedAt  string             `json:"updated_at,omitempty"`
	CanceledAt string             `json:"canceled_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type submitResponse struct {
	Order        orderPayload `json:"order"`
	Created      bool         `json:"created"`
	Deduplicated bool         `json:"deduplicated,omitempty"`
}

type discrepancyPayload struct {
	ProductID         string `json:"product"`
	Reason            string `json:"reason"`
	CartPrice         int64  `json:"cart_price"`
	CatalogPrice      *int64 `json:"catalog_price"`
	RequestedQuantity int    `json:"requested_quantity"`
	AvailableQuantity *int   `json:"available_quantity,omitempty"`
}

type discrepancyResponse struct {
	Error         string               `json:"error"`
	Message       string               `json:"message"`
	Status        int                  `json:"status"`
	Errors        []discrepancyPayload `json:"errors"`
	CorrectedCart []cartEntryPayload   `json:"corrected_cart"`
}

type validateResponse struct {
	Valid         bool                 `json:"valid"`
	Lines         []orderLinePayload   `json:"lines"`
	Total         int64                `json:"total"`
	Errors        []discrepancyPayload `json:"errors"`
	CorrectedCart []cartEntryPayload   `json:"corrected_cart"`
}

type editSessionResponse struct {
	OrderID   string             `json:"order_id"`
	LockToken string             `json:"lock_token"`
	ExpiresAt string             `json:"expires_at"`
	Lines     []cartEntryPayload `json:"lines"`
	Order     orderPayload       `json:"order"`
}

type editLockStatusResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Held      bool   `json:"held"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (h *OrderHandlers) submitCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req submitCartRequest
	if !h.decodeBody(ctx, w, r, h.maxBody, &req, true) {
		return
	}

	clientID, ok := resolveClientID(ctx, w, identity, req.ClientID)
	if !ok {
		return
	}
	sellerID := strings.TrimSpace(req.SellerID)
	if identity.IsSeller() {
		sellerID = identity.UID
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(req.SubmissionKey)
	}
	token := strings.TrimSpace(req.LockToken)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(LockTokenHeader))
	}

	result, err := h.orders.SubmitCart(ctx, services.SubmitCartCommand{
		Actor:         actorFrom(identity),
		ClientID:      clientID,
		SellerID:      sellerID,
		Contact:       contactFromPayload(req.Contact),
		Entries:       entriesFromPayload(req.Lines),
		Notes:         req.Notes,
		TargetOrderID: strings.TrimSpace(req.OrderID),
		LockToken:     token,
		SubmissionKey: key,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !result.Committed() {
		writeDiscrepancies(w, result.Report)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, submitResponse{
		Order:        buildOrderPayload(*result.Order),
		Created:      result.Created,
		Deduplicated: result.Deduplicated,
	})
}

func (h *OrderHandlers) validateCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req validateCartRequest
	if !h.decodeBody(ctx, w, r, h.maxBody, &req, true) {
		return
	}
	clientID, ok := resolveClientID(ctx, w, identity, req.ClientID)
	if !ok {
		return
	}

	quote, err := h.orders.ValidateCart(ctx, services.ValidateCartCommand{
		ClientID: clientID,
		Entries:  entriesFromPayload(req.Lines),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	lines := make([]orderLinePayload, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		lines = append(lines, buildLinePayload(line))
	}
	writeJSONResponse(w, http.StatusOK, validateResponse{
		Valid:         !quote.Report.HasDiscrepancies(),
		Lines:         lines,
		Total:         quote.Total,
		Errors:        buildDiscrepancyPayloads(quote.Report.Entries),
		CorrectedCart: buildEntryPayloads(quote.Report.CorrectedCart),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderRequest(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID:  orderID,
		ClientID: clientScope(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) beginEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderRequest(ctx, w, r)
	if !ok {
		return
	}

	session, err := h.orders.BeginEdit(ctx, services.BeginEditCommand{
		Actor:    actorFrom(identity),
		OrderID:  orderID,
		ClientID: clientScope(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, editSessionResponse{
		OrderID:   session.Order.ID,
		LockToken: session.LockToken,
		ExpiresAt: formatTime(session.ExpiresAt),
		Lines:     buildEntryPayloads(session.Entries),
		Order:     buildOrderPayload(session.Order),
	})
}

func (h *OrderHandlers) editLockStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderRequest(ctx, w, r)
	if !ok {
		return
	}
	token := strings.TrimSpace(r.Header.Get(LockTokenHeader))
	if token == "" {
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeInvalidInput, LockTokenHeader+" header is required", http.StatusBadRequest))
		return
	}

	status, err := h.orders.EditLockStatus(ctx, services.EditLockStatusCommand{
		OrderID:   orderID,
		ClientID:  clientScope(identity),
		LockToken: token,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	resp := editLockStatusResponse{
		OrderID: status.OrderID,
		Status:  string(status.Status),
		Held:    status.Held,
	}
	if status.ExpiresAt != nil {
		resp.ExpiresAt = formatTime(*status.ExpiresAt)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) cancelEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderRequest(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelEdit(ctx, services.CancelEditCommand{
		Actor:     actorFrom(identity),
		OrderID:   orderID,
		ClientID:  clientScope(identity),
		LockToken: strings.TrimSpace(r.Header.Get(LockTokenHeader)),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderRequest(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !h.decodeBody(ctx, w, r, maxOrderCancelBodySize, &req, false) {
		return
	}
	token := strings.TrimSpace(req.LockToken)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(LockTokenHeader))
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		Actor:     actorFrom(identity),
		OrderID:   orderID,
		ClientID:  clientScope(identity),
		LockToken: token,
		Reason:    req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) duplicateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderRequest(ctx, w, r)
	if !ok {
		return
	}

	result, err := h.orders.Duplicate(ctx, services.DuplicateOrderCommand{
		Actor:         actorFrom(identity),
		OrderID:       orderID,
		ClientID:      clientScope(identity),
		SubmissionKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !result.Committed() {
		writeDiscrepancies(w, result.Report)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, submitResponse{
		Order:        buildOrderPayload(*result.Order),
		Created:      result.Created,
		Deduplicated: result.Deduplicated,
	})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeUnavailable, "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) requireOrderRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Identity, string, bool) {
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return nil, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeInvalidInput, "order id is required", http.StatusBadRequest))
		return nil, "", false
	}
	return identity, orderID, true
}

func (h *OrderHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any, required bool) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody) && !required:
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError(errorCodeInvalidInput, err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeInvalidInput, "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// resolveClientID pins clients to their own account; sellers must name the client they act for.
func resolveClientID(ctx context.Context, w http.ResponseWriter, identity *auth.Identity, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if !identity.IsSeller() {
		if requested != "" && requested != identity.ClientID {
			httpx.WriteError(ctx, w, httpx.NewError(errorCodeNotFound, "client not found", http.StatusNotFound))
			return "", false
		}
		return identity.ClientID, true
	}
	if requested == "" {
		requested = identity.ClientID
	}
	if requested == "" {
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeInvalidInput, "client_id is required", http.StatusBadRequest))
		return "", false
	}
	return requested, true
}

// clientScope limits reads and transitions to the caller's own orders unless they are a seller.
func clientScope(identity *auth.Identity) string {
	if identity.IsSeller() {
		return ""
	}
	return identity.ClientID
}

func actorFrom(identity *auth.Identity) services.Actor {
	return services.Actor{ID: identity.UID, Type: identity.Role}
}

func contactFromPayload(p contactPayload) services.OrderContact {
	return services.OrderContact{Name: p.Name, Phone: p.Phone, Email: p.Email}
}

func entriesFromPayload(lines []cartEntryPayload) []services.CartEntry {
	entries := make([]services.CartEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, services.CartEntry{
			ProductID: strings.TrimSpace(line.ProductID),
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			CasePrice: line.CasePrice,
			CaseSize:  line.CaseSize,
		})
	}
	return entries
}

func buildEntryPayloads(entries []services.CartEntry) []cartEntryPayload {
	out := make([]cartEntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cartEntryPayload{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			Quantity:  entry.Quantity,
			UnitPrice: entry.UnitPrice,
			CasePrice: entry.CasePrice,
			CaseSize:  entry.CaseSize,
		})
	}
	return out
}

func buildDiscrepancyPayloads(entries []services.DiscrepancyEntry) []discrepancyPayload {
	out := make([]discrepancyPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, discrepancyPayload{
			ProductID:         entry.ProductID,
			Reason:            string(entry.Reason),
			CartPrice:         entry.CartPrice,
			CatalogPrice:      entry.CatalogPrice,
			RequestedQuantity: entry.RequestedQuantity,
			AvailableQuantity: entry.AvailableQuantity,
		})
	}
	return out
}

func buildLinePayload(line services.OrderLine) orderLinePayload {
	return orderLinePayload{
		ProductID: line.ProductID,
		Name:      line.Name,
		Quantity:  line.Quantity,
		CaseSize:  line.CaseSize,
		UnitPrice: line.UnitPrice,
		CasePrice: line.CasePrice,
		Subtotal:  line.Subtotal,
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:        order.ID,
		Number:    order.Number,
		ClientID:  order.ClientID,
		Status:    string(order.Status),
		Contact:   contactPayload{Name: order.Contact.Name, Phone: order.Contact.Phone, Email: order.Contact.Email},
		Lines:     make([]orderLinePayload, 0, len(order.Lines)),
		Total:     order.Total,
		Notes:     order.Notes,
		Revision:  order.Revision,
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}
	if order.SellerID != nil {
		payload.SellerID = *order.SellerID
	}
	if order.CanceledAt != nil {
		payload.CanceledAt = formatTime(*order.CanceledAt)
	}
	if order.Status == domain.OrderStatusEditing && order.Lock != nil {
		payload.Lock = &orderLockPayload{
			HolderID:  order.Lock.HolderID,
			ExpiresAt: formatTime(order.Lock.ExpiresAt),
		}
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, buildLinePayload(line))
	}
	return payload
}

func writeDiscrepancies(w http.ResponseWriter, report *services.DiscrepancyReport) {
	resp := discrepancyResponse{
		Error:   errorCodeDiscrepancies,
		Message: "the cart no longer matches the catalog; review the corrected cart and resubmit",
		Status:  http.StatusUnprocessableEntity,
	}
	if report != nil {
		resp.Errors = buildDiscrepancyPayloads(report.Entries)
		resp.CorrectedCart = buildEntryPayloads(report.CorrectedCart)
	}
	writeJSONResponse(w, http.StatusUnprocessableEntity, resp)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeInvalidInput, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeNotFound, "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeConflict, err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError(errorCodeUnavailable, "order storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}
