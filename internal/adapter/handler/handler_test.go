package handler

import (
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type services struct {
	ledger      *service.Ledger
	allocations *service.AllocationService
	monitor     *service.StockMonitor
	audit       *service.AuditService
}

func newServices(t *testing.T) *services {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	coord := service.NewCoordinator(store, storage.NewLocalLocker(), service.DefaultRetryConfig(), logger)
	ledger := service.NewLedger(store, coord, nil, logger)
	return &services{
		ledger:      ledger,
		allocations: service.NewAllocationService(ledger, store, logger),
		monitor:     service.NewStockMonitor(ledger, store),
		audit:       service.NewAuditService(ledger, store),
	}
}

func newRouter(t *testing.T, svc *services) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Recovery(zap.NewNop()), RequestLogger(zap.NewNop()))
	NewHTTPHandler(svc.allocations, svc.monitor, svc.audit).Register(r)
	return r
}
