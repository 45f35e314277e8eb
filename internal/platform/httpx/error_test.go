package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayorista/pedidos/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc123"})

	rec := httptest.NewRecorder()
	err := NewError("conflicto_de_estado", "order is\nlocked", http.StatusConflict)
	err.Details = map[string]any{"order_id": "ped_1"}
	WriteError(ctx, rec, err)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conflicto_de_estado", body["error"])
	assert.Equal(t, "order is locked", body["message"])
	assert.EqualValues(t, http.StatusConflict, body["status"])
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "abc123", body["trace_id"])
	assert.Equal(t, map[string]any{"order_id": "ped_1"}, body["details"])
}

func TestWriteErrorOmitsEmptyFields(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, Error{Code: "boom"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "request_id")
	assert.NotContains(t, body, "trace_id")
	assert.NotContains(t, body, "details")
}

func TestSingleLineCutsOnRuneBoundary(t *testing.T) {
	value := strings.Repeat("a", 9) + "ñ"
	assert.Equal(t, strings.Repeat("a", 9), singleLine(value, 10))
	assert.Equal(t, "a b c", singleLine(" a\r\nb\nc ", 20))
}
