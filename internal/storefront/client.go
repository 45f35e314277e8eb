package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	domain "github.com/mayorista/pedidos/internal/domain"
)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 15 * time.Second

	lockTokenHeader      = "X-Edit-Lock-Token"
	idempotencyKeyHeader = "Idempotency-Key"

	codeConflict      = "conflicto_de_estado"
	codeInvalidInput  = "datos_invalidos"
	codeNotFound      = "order_not_found"
	codeUnavailable   = "order_unavailable"
	codeDiscrepancies = "discrepancias"
)

var (
	// ErrConflict mirrors conflicto_de_estado: the order is not in a state that allows the operation.
	ErrConflict = errors.New("storefront: order state conflict")
	// ErrInvalidInput mirrors datos_invalidos.
	ErrInvalidInput = errors.New("storefront: invalid input")
	// ErrNotFound is returned for unknown orders or orders owned by another client.
	ErrNotFound = errors.New("storefront: order not found")
	// ErrUnavailable is returned when the order service cannot be reached or is degraded.
	ErrUnavailable = errors.New("storefront: order service unavailable")
)

// APIError describes a non-2xx response from the order API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code == "" {
		return fmt.Sprintf("storefront: api error (%d): %s", e.Status, msg)
	}
	return fmt.Sprintf("storefront: %s (%d): %s", e.Code, e.Status, msg)
}

// Unwrap maps the API error code to one of the package sentinels.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case codeConflict:
		return ErrConflict
	case codeInvalidInput:
		return ErrInvalidInput
	case codeNotFound:
		return ErrNotFound
	case codeUnavailable:
		return ErrUnavailable
	}
	switch e.Status {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest:
		return ErrInvalidInput
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return nil
}

// DiscrepancyError is returned when a submission was rejected by reconciliation. Nothing was
// committed; Report carries the failed entries and the corrected cart.
type DiscrepancyError struct {
	Message string
	Report  domain.DiscrepancyReport
}

func (e *DiscrepancyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("storefront: cart rejected with %d discrepancies", len(e.Report.Entries))
}

// Order is the client view of an order.
type Order struct {
	ID         string
	Number     int64
	ClientID   string
	SellerID   string
	Status     domain.OrderStatus
	Contact    domain.OrderContact
	Lines      []OrderLine
	Total      int64
	Notes      string
	Revision   int64
	LockHolder string
	LockExpiry *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CanceledAt *time.Time
}

// OrderLine is a priced line of an order or quote.
type OrderLine struct {
	ProductID string
	Name      string
	Quantity  int
	CaseSize  int
	UnitPrice int64
	CasePrice int64
	Subtotal  int64
}

// SubmitRequest is the payload of SubmitCart. OrderID and LockToken are set when committing an edit.
type SubmitRequest struct {
	ClientID      string
	SellerID      string
	Contact       domain.OrderContact
	Entries       []domain.CartEntry
	Notes         string
	OrderID       string
	LockToken     string
	SubmissionKey string
}

// SubmitResult is the outcome of a committed submission or duplicate.
type SubmitResult struct {
	Order        Order
	Created      bool
	Deduplicated bool
}

// Quote is the dry-run reconciliation of a cart.
type Quote struct {
	Valid  bool
	Lines  []OrderLine
	Total  int64
	Report domain.DiscrepancyReport
}

// EditLease is the result of opening an edit on an order.
type EditLease struct {
	OrderID   string
	LockToken string
	ExpiresAt time.Time
	Entries   []domain.CartEntry
	Order     Order
}

// LockStatus reports whether an edit lock is still held by the caller.
type LockStatus struct {
	OrderID   string
	Status    domain.OrderStatus
	Held      bool
	ExpiresAt *time.Time
}

// OrderAPI is the subset of the order API used by edit sessions and watchers.
type OrderAPI interface {
	SubmitCart(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	BeginEdit(ctx context.Context, orderID string) (*EditLease, error)
	EditLockStatus(ctx context.Context, orderID, lockToken string) (*LockStatus, error)
	CancelEdit(ctx context.Context, orderID, lockToken string) (*Order, error)
}

// Client talks to the order API over REST.
type Client struct {
	http   *resty.Client
	prefix string
}

var _ OrderAPI = (*Client)(nil)

// ClientOption customises Client construction.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	token      string
	prefix     string
	timeout    time.Duration
	retries    int
	userAgent  string
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithBearerToken sets the Firebase ID token sent on every request.
func WithBearerToken(token string) ClientOption {
	return func(o *clientOptions) {
		o.token = strings.TrimSpace(token)
	}
}

// WithAPIPrefix overrides the /api/v1 path prefix.
func WithAPIPrefix(prefix string) ClientOption {
	return func(o *clientOptions) {
		o.prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
		if o.prefix == "/" {
			o.prefix = ""
		}
	}
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRetries retries transport failures and 503 responses the given number of times.
func WithRetries(count int) ClientOption {
	return func(o *clientOptions) {
		if count >= 0 {
			o.retries = count
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(agent string) ClientOption {
	return func(o *clientOptions) {
		o.userAgent = strings.TrimSpace(agent)
	}
}

// NewClient constructs a Client for the API hosted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storefront: base url is required")
	}
	options := clientOptions{
		prefix:    defaultAPIPrefix,
		timeout:   defaultTimeout,
		userAgent: "pedidos-storefront",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	var rc *resty.Client
	if options.httpClient != nil {
		rc = resty.NewWithClient(options.httpClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(baseURL).
		SetTimeout(options.timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", options.userAgent)
	if options.token != "" {
		rc.SetAuthToken(options.token)
	}
	if options.retries > 0 {
		rc.SetRetryCount(options.retries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return resp != nil && resp.StatusCode() == http.StatusServiceUnavailable
			})
	}
	return &Client{http: rc, prefix: options.prefix}, nil
}

// SubmitCart creates an order, or commits an edit when OrderID and LockToken are set. A
// rejected cart yields a *DiscrepancyError.
func (c *Client) SubmitCart(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body := submitCartBody{
		ClientID:      strings.TrimSpace(req.ClientID),
		SellerID:      strings.TrimSpace(req.SellerID),
		Contact:       contactWire{Name: req.Contact.Name, Phone: req.Contact.Phone, Email: req.Contact.Email},
		Lines:         entriesToWire(req.Entries),
		Notes:         req.Notes,
		OrderID:       strings.TrimSpace(req.OrderID),
		LockToken:     strings.TrimSpace(req.LockToken),
		SubmissionKey: strings.TrimSpace(req.SubmissionKey),
	}
	r := c.request(ctx).SetBody(body)
	if body.SubmissionKey != "" {
		r.SetHeader(idempotencyKeyHeader, body.SubmissionKey)
	}
	var out submitWire
	if err := c.do(r.SetResult(&out), http.MethodPost, "/orders:submit"); err != nil {
		return nil, err
	}
	return out.toResult(), nil
}

// ValidateCart runs reconciliation without committing anything.
func (c *Client) ValidateCart(ctx context.Context, clientID string, entries []domain.CartEntry) (*Quote, error) {
	var out quoteWire
	r := c.request(ctx).
		SetBody(validateCartBody{ClientID: strings.TrimSpace(clientID), Lines: entriesToWire(entries)}).
		SetResult(&out)
	if err := c.do(r, http.MethodPost, "/carts:validate"); err != nil {
		return nil, err
	}
	return &Quote{
		Valid:  out.Valid,
		Lines:  linesFromWire(out.Lines),
		Total:  out.Total,
		Report: reportFromWire(out.Errors, out.CorrectedCart),
	}, nil
}

// GetOrder fetches a single order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out orderEnvelope
	r := c.request(ctx).SetPathParam("orderID", orderID).SetResult(&out)
	if err := c.do(r, http.MethodGet, "/orders/{orderID}"); err != nil {
		return nil, err
	}
	order := out.Order.toOrder()
	return &order, nil
}

// BeginEdit acquires the edit lock on a pending order.
func (c *Client) BeginEdit(ctx context.Context, orderID string) (*EditLease, error) {
	var out editWire
	r := c.request(ctx).SetPathParam("orderID", orderID).SetResult(&out)
	if err := c.do(r, http.MethodPost, "/orders/{orderID}/edit"); err != nil {
		return nil, err
	}
	expires, err := parseTime(out.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("storefront: edit lease expiry: %w", err)
	}
	return &EditLease{
		OrderID:   out.OrderID,
		LockToken: out.LockToken,
		ExpiresAt: expires,
		Entries:   entriesFromWire(out.Lines),
		Order:     out.Order.toOrder(),
	}, nil
}

// EditLockStatus polls whether lockToken still holds the edit lock.
func (c *Client) EditLockStatus(ctx context.Context, orderID, lockToken string) (*LockStatus, error) {
	var out lockStatusWire
	r := c.request(ctx).
		SetPathParam("orderID", orderID).
		SetHeader(lockTokenHeader, lockToken).
		SetResult(&out)
	if err := c.do(r, http.MethodGet, "/orders/{orderID}/edit"); err != nil {
		return nil, err
	}
	status := &LockStatus{
		OrderID: out.OrderID,
		Status:  domain.OrderStatus(out.Status),
		Held:    out.Held,
	}
	if out.ExpiresAt != "" {
		expires, err := parseTime(out.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("storefront: lock expiry: %w", err)
		}
		status.ExpiresAt = &expires
	}
	return status, nil
}

// CancelEdit releases the edit lock and returns the order to pendiente.
func (c *Client) CancelEdit(ctx context.Context, orderID, lockToken string) (*Order, error) {
	var out orderEnvelope
	r := c.request(ctx).
		SetPathParam("orderID", orderID).
		SetHeader(lockTokenHeader, lockToken).
		SetResult(&out)
	if err := c.do(r, http.MethodDelete, "/orders/{orderID}/edit"); err != nil {
		return nil, err
	}
	order := out.Order.toOrder()
	return &order, nil
}

// CancelOrder cancels a pending order, or an order under edit when lockToken matches.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason, lockToken string) (*Order, error) {
	var out orderEnvelope
	r := c.request(ctx).
		SetPathParam("orderID", orderID).
		SetBody(cancelOrderBody{Reason: strings.TrimSpace(reason), LockToken: strings.TrimSpace(lockToken)}).
		SetResult(&out)
	if err := c.do(r, http.MethodPost, "/orders/{orderID}:cancel"); err != nil {
		return nil, err
	}
	order := out.Order.toOrder()
	return &order, nil
}

// Duplicate submits the lines of an existing order as a new order priced at today's catalog.
func (c *Client) Duplicate(ctx context.Context, orderID, submissionKey string) (*SubmitResult, error) {
	var out submitWire
	r := c.request(ctx).SetPathParam("orderID", orderID).SetResult(&out)
	if key := strings.TrimSpace(submissionKey); key != "" {
		r.SetHeader(idempotencyKeyHeader, key)
	}
	if err := c.do(r, http.MethodPost, "/orders/{orderID}:duplicate"); err != nil {
		return nil, err
	}
	return out.toResult(), nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.http.R().SetContext(ctx)
}

func (c *Client) do(r *resty.Request, method, path string) error {
	resp, err := r.Execute(method, c.prefix+path)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !resp.IsError() {
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *resty.Response) error {
	status := resp.StatusCode()
	if status == http.StatusUnprocessableEntity {
		var body discrepancyWire
		if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error == codeDiscrepancies {
			return &DiscrepancyError{
				Message: body.Message,
				Report:  reportFromWire(body.Errors, body.CorrectedCart),
			}
		}
	}
	var envelope errorWire
	_ = json.Unmarshal(resp.Body(), &envelope)
	return &APIError{
		Status:    status,
		Code:      envelope.Error,
		Message:   envelope.Message,
		RequestID: envelope.RequestID,
	}
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseOptionalTime(value string) *time.Time {
	t, err := parseTime(value)
	if err != nil || t.IsZero() {
		return nil
	}
	return &t
}
