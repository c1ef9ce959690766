package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "tech-7")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func seedHTTPItem(t *testing.T, r http.Handler, id string, onHand, reorderPoint int) {
	t.Helper()

	w := doJSON(t, r, http.MethodPut, "/v1/items/"+id, map[string]any{
		"part_number":   "PN-" + id,
		"unit_cost":     "4.25",
		"reorder_point": reorderPoint,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	if onHand > 0 {
		w = doJSON(t, r, http.MethodPost, "/v1/items/"+id+"/restocks", map[string]any{"quantity": onHand})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
}

func TestHTTP_PullReturnFlow(t *testing.T) {
	r := newRouter(t, newServices(t))
	seedHTTPItem(t, r, "item-1", 10, 5)

	w := doJSON(t, r, http.MethodPost, "/v1/jobs/job-1/pulls", map[string]any{"item_id": "item-1", "quantity": 6})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	alloc := decode[AllocationResponse](t, w)
	assert.Equal(t, "active", alloc.Status)
	assert.Equal(t, "4.25", alloc.UnitCostSnapshot.StringFixed(2))

	w = doJSON(t, r, http.MethodGet, "/v1/items/item-1/quantity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	qty := decode[QuantityResponse](t, w)
	assert.Equal(t, 4, qty.QuantityOnHand)
	assert.True(t, qty.IsLow)

	w = doJSON(t, r, http.MethodGet, "/v1/low-stock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	low := decode[struct {
		Items []ItemResponse `json:"items"`
	}](t, w)
	require.Len(t, low.Items, 1)

	w = doJSON(t, r, http.MethodPost, "/v1/allocations/"+alloc.ID+"/returns", map[string]any{"quantity": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "partially_returned", decode[AllocationResponse](t, w).Status)

	w = doJSON(t, r, http.MethodGet, "/v1/jobs/job-1/allocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Allocations []AllocationHistoryResponse `json:"allocations"`
	}](t, w)
	require.Len(t, history.Allocations, 1)
	assert.Len(t, history.Allocations[0].Transactions, 2)

	w = doJSON(t, r, http.MethodGet, "/v1/items/item-1/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	txns := decode[struct {
		Transactions []domain.StockTransaction `json:"transactions"`
	}](t, w)
	assert.Len(t, txns.Transactions, 3)

	w = doJSON(t, r, http.MethodGet, "/v1/items/item-1/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ReconciliationResponse](t, w).Consistent)
}

func TestHTTP_ErrorEnvelope(t *testing.T) {
	r := newRouter(t, newServices(t))
	seedHTTPItem(t, r, "item-1", 2, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"insufficient stock", http.MethodPost, "/v1/jobs/job-1/pulls", map[string]any{"item_id": "item-1", "quantity": 3}, http.StatusConflict, "insufficient_stock"},
		{"zero quantity", http.MethodPost, "/v1/jobs/job-1/pulls", map[string]any{"item_id": "item-1", "quantity": 0}, http.StatusBadRequest, "validation_error"},
		{"unknown item", http.MethodGet, "/v1/items/ghost/quantity", nil, http.StatusNotFound, "item_not_found"},
		{"unknown allocation", http.MethodPost, "/v1/allocations/ghost/returns", map[string]any{"quantity": 1}, http.StatusNotFound, "allocation_not_found"},
		{"malformed body", http.MethodPost, "/v1/items/item-1/restocks", "not an object", http.StatusBadRequest, "validation_error"},
		{"bad limit", http.MethodGet, "/v1/items/item-1/transactions?limit=-1", nil, http.StatusBadRequest, "validation_error"},
		{"bad from", http.MethodGet, "/v1/jobs/job-1/transactions?from=yesterday", nil, http.StatusBadRequest, "validation_error"},
		{"adjust without reason", http.MethodPost, "/v1/items/item-1/adjustments", map[string]any{"delta": 1}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, w).Error.Kind)
		})
	}
}

func TestHTTP_ClosedJob(t *testing.T) {
	r := newRouter(t, newServices(t))
	seedHTTPItem(t, r, "item-1", 5, 0)

	w := doJSON(t, r, http.MethodPut, "/v1/jobs/job-1/status", map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "closed", decode[JobResponse](t, w).Status)

	w = doJSON(t, r, http.MethodPost, "/v1/jobs/job-1/pulls", map[string]any{"item_id": "item-1", "quantity": 1})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "closed_job", decode[ErrorResponse](t, w).Error.Kind)
}

func TestHTTP_AdjustDamageTransfer(t *testing.T) {
	r := newRouter(t, newServices(t))
	seedHTTPItem(t, r, "warehouse", 10, 0)
	seedHTTPItem(t, r, "van-1", 0, 0)

	w := doJSON(t, r, http.MethodPost, "/v1/items/warehouse/adjustments", map[string]any{"target": 12, "reason": "count"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[domain.StockTransaction](t, w).QuantityDelta)

	w = doJSON(t, r, http.MethodPost, "/v1/items/warehouse/damages", map[string]any{"quantity": 1, "reason": "dropped"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/transfers", map[string]any{"from_item_id": "warehouse", "to_item_id": "van-1", "quantity": 4})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[TransferResponse](t, w)
	assert.Equal(t, 7, res.Out.QuantityAfter)
	assert.Equal(t, 4, res.In.QuantityAfter)
}

func TestHTTP_MissingActorRejected(t *testing.T) {
	r := newRouter(t, newServices(t))
	seedHTTPItem(t, r, "item-1", 0, 0)

	req := httptest.NewRequest(http.MethodPost, "/v1/items/item-1/restocks", bytes.NewBufferString(`{"quantity":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.NewError(domain.ErrOverReturn, "x"), http.StatusConflict},
		{domain.NewError(domain.ErrConcurrencyConflict, "x"), http.StatusServiceUnavailable},
		{domain.NewError(domain.ErrStorageUnavailable, "x"), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", domain.NewError(domain.ErrItemNotFound, "x")), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, httpStatusFor(tt.err), tt.err.Error())
	}
}

func TestWriteError_RetryAfterOnUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, domain.NewError(domain.ErrConcurrencyConflict, "item is busy, retry later"))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, "concurrency_conflict", body.Error.Kind)
	assert.Equal(t, "item is busy, retry later", body.Error.Message)
}

func TestWriteError_DeadlineIsTransient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, fmt.Errorf("pull: %w", context.DeadlineExceeded))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, "storage_unavailable", body.Error.Kind)
	assert.Equal(t, "request timed out, retry later", body.Error.Message)
}

func TestRecovery_ReturnsEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.GET("/panic", func(*gin.Context) { panic("kaboom") })

	w := doJSON(t, r, http.MethodGet, "/panic", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", decode[ErrorResponse](t, w).Error.Kind)
}

func TestRateLimit(t *testing.T) {
	_, err := RateLimit("not-a-rate")
	require.Error(t, err)

	limit, err := RateLimit("2-M")
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limit)
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, doJSON(t, r, http.MethodGet, "/ping", nil).Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
