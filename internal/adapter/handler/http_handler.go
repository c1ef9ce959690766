package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type HTTPHandler struct {
	allocations *service.AllocationService
	monitor     *service.StockMonitor
	audit       *service.AuditService
}

func NewHTTPHandler(allocations *service.AllocationService, monitor *service.StockMonitor, audit *service.AuditService) *HTTPHandler {
	return &HTTPHandler{allocations: allocations, monitor: monitor, audit: audit}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	v1 := r.Group("/v1")
	items := v1.Group("/items/:id")
	items.PUT("", h.SaveCatalogItem)
	items.GET("/quantity", h.GetQuantity)
	items.GET("/transactions", h.ListItemTransactions)
	items.GET("/reconcile", h.Reconcile)
	items.POST("/adjustments", h.Adjust)
	items.POST("/restocks", h.Restock)
	items.POST("/damages", h.RecordDamage)

	v1.POST("/transfers", h.Transfer)
	v1.GET("/low-stock", h.ListLowStock)

	jobs := v1.Group("/jobs/:id")
	jobs.POST("/pulls", h.Pull)
	jobs.PUT("/status", h.SetJobStatus)
	jobs.GET("/transactions", h.ListJobTransactions)
	jobs.GET("/allocations", h.JobHistory)

	v1.POST("/allocations/:id/returns", h.Return)
}

type CatalogItemHTTPRequest struct {
	PartNumber   string          `json:"part_number"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	ReorderPoint int             `json:"reorder_point"`
	Location     string          `json:"location"`
}

type PullHTTPRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type ReturnHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type AdjustHTTPRequest struct {
	Delta  *int   `json:"delta"`
	Target *int   `json:"target"`
	Reason string `json:"reason"`
}

type RestockHTTPRequest struct {
	Quantity  int    `json:"quantity"`
	Note      string `json:"note"`
	Reference string `json:"reference"`
}

type DamageHTTPRequest struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type TransferHTTPRequest struct {
	FromItemID string `json:"from_item_id"`
	ToItemID   string `json:"to_item_id"`
	Quantity   int    `json:"quantity"`
	Note       string `json:"note"`
}

type JobStatusHTTPRequest struct {
	Status string `json:"status"`
}

type ItemResponse struct {
	ID             string          `json:"id"`
	PartNumber     string          `json:"part_number"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	QuantityOnHand int             `json:"quantity_on_hand"`
	ReorderPoint   int             `json:"reorder_point"`
	Location       string          `json:"location"`
	IsLow          bool            `json:"is_low"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type QuantityResponse struct {
	ItemID         string `json:"item_id"`
	QuantityOnHand int    `json:"quantity_on_hand"`
	ReorderPoint   int    `json:"reorder_point"`
	IsLow          bool   `json:"is_low"`
}

type AllocationResponse struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	ItemID            string          `json:"item_id"`
	QuantityAllocated int             `json:"quantity_allocated"`
	QuantityReturned  int             `json:"quantity_returned"`
	UnitCostSnapshot  decimal.Decimal `json:"unit_cost_snapshot"`
	Status            string          `json:"status"`
	PullTransactionID string          `json:"pull_transaction_id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type AllocationHistoryResponse struct {
	Allocation   AllocationResponse        `json:"allocation"`
	Transactions []domain.StockTransaction `json:"transactions"`
}

type TransferResponse struct {
	Out domain.StockTransaction `json:"out"`
	In  domain.StockTransaction `json:"in"`
}

type JobResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReconciliationResponse struct {
	ItemID           string   `json:"item_id"`
	QuantityOnHand   int      `json:"quantity_on_hand"`
	LastSeq          int64    `json:"last_seq"`
	SumOfDeltas      int      `json:"sum_of_deltas"`
	TransactionCount int      `json:"transaction_count"`
	Consistent       bool     `json:"consistent"`
	Discrepancies    []string `json:"discrepancies"`
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) SaveCatalogItem(c *gin.Context) {
	var req CatalogItemHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.allocations.SaveCatalogItem(c.Request.Context(), service.CatalogItemRequest{
		ID:           c.Param("id"),
		PartNumber:   req.PartNumber,
		Description:  req.Description,
		Category:     req.Category,
		UnitCost:     req.UnitCost,
		UnitPrice:    req.UnitPrice,
		ReorderPoint: req.ReorderPoint,
		Location:     req.Location,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) GetQuantity(c *gin.Context) {
	status, err := h.monitor.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, QuantityResponse{
		ItemID:         status.ItemID,
		QuantityOnHand: status.QuantityOnHand,
		ReorderPoint:   status.ReorderPoint,
		IsLow:          status.Low,
	})
}

func (h *HTTPHandler) ListItemTransactions(c *gin.Context) {
	filter, ok := parseRange(c)
	if !ok {
		return
	}
	filter.ItemID = c.Param("id")
	h.listTransactions(c, filter)
}

func (h *HTTPHandler) ListJobTransactions(c *gin.Context) {
	filter, ok := parseRange(c)
	if !ok {
		return
	}
	filter.JobID = c.Param("id")
	h.listTransactions(c, filter)
}

func (h *HTTPHandler) listTransactions(c *gin.Context, filter domain.TransactionFilter) {
	txns, err := h.audit.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if txns == nil {
		txns = []domain.StockTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *HTTPHandler) Reconcile(c *gin.Context) {
	r, err := h.audit.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	discrepancies := r.Discrepancies
	if discrepancies == nil {
		discrepancies = []string{}
	}
	c.JSON(http.StatusOK, ReconciliationResponse{
		ItemID:           r.ItemID,
		QuantityOnHand:   r.QuantityOnHand,
		LastSeq:          r.LastSeq,
		SumOfDeltas:      r.SumOfDeltas,
		TransactionCount: r.TransactionCount,
		Consistent:       r.Consistent,
		Discrepancies:    discrepancies,
	})
}

func (h *HTTPHandler) Adjust(c *gin.Context) {
	var req AdjustHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	txn, err := h.allocations.AdjustStock(c.Request.Context(), service.AdjustRequest{
		ItemID: c.Param("id"),
		Delta:  req.Delta,
		Target: req.Target,
		Actor:  c.GetHeader(ActorHeader),
		Reason: req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (h *HTTPHandler) Restock(c *gin.Context) {
	var req RestockHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	txn, err := h.allocations.Restock(c.Request.Context(), service.RestockRequest{
		ItemID:    c.Param("id"),
		Quantity:  req.Quantity,
		Actor:     c.GetHeader(ActorHeader),
		Note:      req.Note,
		Reference: req.Reference,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (h *HTTPHandler) RecordDamage(c *gin.Context) {
	var req DamageHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	txn, err := h.allocations.RecordDamage(c.Request.Context(), service.DamageRequest{
		ItemID:   c.Param("id"),
		Quantity: req.Quantity,
		Actor:    c.GetHeader(ActorHeader),
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (h *HTTPHandler) Transfer(c *gin.Context) {
	var req TransferHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.allocations.Transfer(c.Request.Context(), service.TransferRequest{
		FromItemID: req.FromItemID,
		ToItemID:   req.ToItemID,
		Quantity:   req.Quantity,
		Actor:      c.GetHeader(ActorHeader),
		Note:       req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, TransferResponse{Out: result.Out, In: result.In})
}

func (h *HTTPHandler) ListLowStock(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	items, err := h.monitor.ListLowStock(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]ItemResponse, 0, len(items))
	for i := range items {
		out = append(out, toItemResponse(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (h *HTTPHandler) Pull(c *gin.Context) {
	var req PullHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	a, err := h.allocations.PullMaterial(c.Request.Context(), service.PullRequest{
		JobID:    c.Param("id"),
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Actor:    c.GetHeader(ActorHeader),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAllocationResponse(a))
}

func (h *HTTPHandler) Return(c *gin.Context) {
	var req ReturnHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	a, err := h.allocations.ReturnMaterial(c.Request.Context(), service.ReturnRequest{
		AllocationID: c.Param("id"),
		Quantity:     req.Quantity,
		Actor:        c.GetHeader(ActorHeader),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAllocationResponse(a))
}

func (h *HTTPHandler) SetJobStatus(c *gin.Context) {
	var req JobStatusHTTPRequest
	if !bindJSON(c, &req) {
		return
	}

	job, err := h.allocations.SetJobStatus(c.Request.Context(), c.Param("id"), domain.JobStatus(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobResponse{ID: job.ID, Status: string(job.Status), UpdatedAt: job.UpdatedAt})
}

func (h *HTTPHandler) JobHistory(c *gin.Context) {
	history, err := h.audit.JobHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]AllocationHistoryResponse, 0, len(history))
	for i := range history {
		txns := history[i].Transactions
		if txns == nil {
			txns = []domain.StockTransaction{}
		}
		out = append(out, AllocationHistoryResponse{
			Allocation:   toAllocationResponse(&history[i].Allocation),
			Transactions: txns,
		})
	}
	c.JSON(http.StatusOK, gin.H{"allocations": out})
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeValidation(c, "invalid request body")
		return false
	}
	return true
}

func parseRange(c *gin.Context) (domain.TransactionFilter, bool) {
	var filter domain.TransactionFilter

	limit, ok := parseLimit(c)
	if !ok {
		return filter, false
	}
	filter.Limit = limit

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeValidation(c, p.name+" must be an RFC3339 timestamp")
			return filter, false
		}
		*p.dst = &t
	}
	return filter, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeValidation(c, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func toItemResponse(item *domain.Item) ItemResponse {
	return ItemResponse{
		ID:             item.ID,
		PartNumber:     item.PartNumber,
		Description:    item.Description,
		Category:       item.Category,
		UnitCost:       item.UnitCost,
		UnitPrice:      item.UnitPrice,
		QuantityOnHand: item.QuantityOnHand,
		ReorderPoint:   item.ReorderPoint,
		Location:       item.Location,
		IsLow:          item.IsLow(),
		UpdatedAt:      item.UpdatedAt,
	}
}

func toAllocationResponse(a *domain.Allocation) AllocationResponse {
	return AllocationResponse{
		ID:                a.ID,
		JobID:             a.JobID,
		ItemID:            a.ItemID,
		QuantityAllocated: a.QuantityAllocated,
		QuantityReturned:  a.QuantityReturned,
		UnitCostSnapshot:  a.UnitCostSnapshot,
		Status:            string(a.Status),
		PullTransactionID: a.PullTransactionID,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}
