package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/mayorista/pedidos/internal/domain"
)

const sampleOrderJSON = `{
	"id": "ped_01",
	"number": 42,
	"client_id": "cli-1",
	"status": "pendiente",
	"contact": {"name": "Ana", "phone": "+541155550000"},
	"lines": [{"product_id": "SKU-1", "name": "Yerba", "quantity": 2, "case_size": 10, "unit_price": 100, "case_price": 1000, "subtotal": 2000}],
	"total": 2000,
	"revision": 1,
	"created_at": "2025-05-01T09:30:00Z"
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, WithBearerToken("id-token"), WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)
}

func TestClientSubmitCartCreated(t *testing.T) {
	var got submitCartBody
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/orders:submit", r.URL.Path)
		assert.Equal(t, "Bearer id-token", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get(idempotencyKeyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, `{"order": `+sampleOrderJSON+`, "created": true}`)
	})

	result, err := client.SubmitCart(context.Background(), SubmitRequest{
		Contact:       domain.OrderContact{Name: "Ana", Phone: "+541155550000"},
		Entries:       []domain.CartEntry{{ProductID: "SKU-1", Quantity: 2, UnitPrice: 100, CaseSize: 10}},
		SubmissionKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, "ped_01", result.Order.ID)
	assert.Equal(t, domain.OrderStatusPending, result.Order.Status)
	assert.Equal(t, int64(2000), result.Order.Total)
	require.Len(t, result.Order.Lines, 1)
	assert.Equal(t, int64(2000), result.Order.Lines[0].Subtotal)
	assert.Equal(t, time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC), result.Order.CreatedAt)

	require.Len(t, got.Lines, 1)
	assert.Equal(t, "SKU-1", got.Lines[0].ProductID)
	assert.Equal(t, "key-1", got.SubmissionKey)
	assert.Empty(t, got.LockToken)
}

func TestClientSubmitCartDiscrepancies(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{
			"error": "discrepancias",
			"message": "review the corrected cart",
			"status": 422,
			"errors": [
				{"product": "SKU-1", "reason": "precio_modificado", "cart_price": 100, "catalog_price": 120, "requested_quantity": 2},
				{"product": "SKU-2", "reason": "producto_no_disponible", "cart_price": 50, "catalog_price": null, "requested_quantity": 1}
			],
			"corrected_cart": [{"product_id": "SKU-1", "quantity": 2, "unit_price": 120, "case_size": 10}]
		}`)
	})

	_, err := client.SubmitCart(context.Background(), SubmitRequest{
		Entries: []domain.CartEntry{{ProductID: "SKU-1", Quantity: 2, UnitPrice: 100}, {ProductID: "SKU-2", Quantity: 1, UnitPrice: 50}},
	})
	var discrepancy *DiscrepancyError
	require.ErrorAs(t, err, &discrepancy)
	require.Len(t, discrepancy.Report.Entries, 2)
	assert.Equal(t, domain.DiscrepancyPriceChanged, discrepancy.Report.Entries[0].Reason)
	require.NotNil(t, discrepancy.Report.Entries[0].CatalogPrice)
	assert.Equal(t, int64(120), *discrepancy.Report.Entries[0].CatalogPrice)
	assert.Nil(t, discrepancy.Report.Entries[1].CatalogPrice)
	require.Len(t, discrepancy.Report.CorrectedCart, 1)
	assert.Equal(t, int64(120), discrepancy.Report.CorrectedCart[0].UnitPrice)
}

func TestClientMapsErrorCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "conflict", status: http.StatusConflict, body: `{"error":"conflicto_de_estado","message":"order is facturado"}`, want: ErrConflict},
		{name: "invalid", status: http.StatusBadRequest, body: `{"error":"datos_invalidos","message":"contact.phone is required"}`, want: ErrInvalidInput},
		{name: "not found", status: http.StatusNotFound, body: `{"error":"order_not_found","message":"order not found"}`, want: ErrNotFound},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: `{"error":"order_unavailable"}`, want: ErrUnavailable},
		{name: "status fallback", status: http.StatusConflict, body: `not json`, want: ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			_, err := client.CancelOrder(context.Background(), "ped_01", "", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.Status)
		})
	}
}

func TestClientValidateCart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/carts:validate", r.URL.Path)
		var body validateCartBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cli-9", body.ClientID)
		writeJSON(w, http.StatusOK, `{
			"valid": false,
			"lines": [],
			"total": 0,
			"errors": [{"product": "SKU-3", "reason": "stock_insuficiente", "cart_price": 10, "catalog_price": 10, "requested_quantity": 5, "available_quantity": 2}],
			"corrected_cart": [{"product_id": "SKU-3", "quantity": 2, "unit_price": 10}]
		}`)
	})

	quote, err := client.ValidateCart(context.Background(), "cli-9", []domain.CartEntry{{ProductID: "SKU-3", Quantity: 5, UnitPrice: 10}})
	require.NoError(t, err)
	assert.False(t, quote.Valid)
	require.Len(t, quote.Report.Entries, 1)
	require.NotNil(t, quote.Report.Entries[0].AvailableQuantity)
	assert.Equal(t, 2, *quote.Report.Entries[0].AvailableQuantity)
	assert.Equal(t, 2, quote.Report.CorrectedCart[0].Quantity)
}

func TestClientEditLifecycleRequests(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, http.StatusOK, `{
				"order_id": "ped_01",
				"lock_token": "tok-1",
				"expires_at": "2025-05-01T10:00:00Z",
				"lines": [{"product_id": "SKU-1", "name": "Yerba", "quantity": 2, "unit_price": 100, "case_size": 10}],
				"order": `+sampleOrderJSON+`
			}`)
		case http.MethodGet:
			assert.Equal(t, "tok-1", r.Header.Get(lockTokenHeader))
			writeJSON(w, http.StatusOK, `{"order_id":"ped_01","status":"editando","held":true,"expires_at":"2025-05-01T10:00:00Z"}`)
		case http.MethodDelete:
			assert.Equal(t, "tok-1", r.Header.Get(lockTokenHeader))
			writeJSON(w, http.StatusOK, `{"order": `+sampleOrderJSON+`}`)
		}
	})
	ctx := context.Background()

	lease, err := client.BeginEdit(ctx, "ped_01")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", lease.LockToken)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), lease.ExpiresAt)
	require.Len(t, lease.Entries, 1)
	assert.Equal(t, "Yerba", lease.Entries[0].Name)

	status, err := client.EditLockStatus(ctx, "ped_01", lease.LockToken)
	require.NoError(t, err)
	assert.True(t, status.Held)
	assert.Equal(t, domain.OrderStatusEditing, status.Status)
	require.NotNil(t, status.ExpiresAt)

	order, err := client.CancelEdit(ctx, "ped_01", lease.LockToken)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /api/v1/orders/ped_01/edit",
		"GET /api/v1/orders/ped_01/edit",
		"DELETE /api/v1/orders/ped_01/edit",
	}, seen)
}

func TestClientDuplicateSendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/ped_01:duplicate", r.URL.Path)
		assert.Equal(t, "dup-1", r.Header.Get(idempotencyKeyHeader))
		writeJSON(w, http.StatusOK, `{"order": `+sampleOrderJSON+`, "created": false, "deduplicated": true}`)
	})

	result, err := client.Duplicate(context.Background(), "ped_01", "dup-1")
	require.NoError(t, err)
	assert.True(t, result.Deduplicated)
	assert.False(t, result.Created)
}

func TestClientCancelOrderBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/ped_01:cancel", r.URL.Path)
		var body cancelOrderBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pedido duplicado", body.Reason)
		writeJSON(w, http.StatusOK, `{"order": {"id":"ped_01","status":"cancelado","created_at":"2025-05-01T09:30:00Z","canceled_at":"2025-05-01T09:45:00Z"}}`)
	})

	order, err := client.CancelOrder(context.Background(), "ped_01", " pedido duplicado ", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, order.Status)
	require.NotNil(t, order.CanceledAt)
}

func TestClientTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(url, WithRequestTimeout(time.Second))
	require.NoError(t, err)
	_, err = client.GetOrder(context.Background(), "ped_01")
	require.ErrorIs(t, err, ErrUnavailable)
}
