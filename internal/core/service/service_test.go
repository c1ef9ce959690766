package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const testActor = "tech-7"

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.StockEvent
}

func (p *capturePublisher) Publish(_ context.Context, event domain.StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) ofType(t domain.EventType) []domain.StockEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.StockEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store       *storage.MemoryStore
	events      *EventDispatcher
	published   *capturePublisher
	ledger      *Ledger
	allocations *AllocationService
	monitor     *StockMonitor
	audit       *AuditService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	published := &capturePublisher{}
	events := NewEventDispatcher(published, 1024, logger)
	events.Start(2)
	t.Cleanup(events.Close)

	coord := NewCoordinator(store, storage.NewLocalLocker(), DefaultRetryConfig(), logger)
	ledger := NewLedger(store, coord, events, logger)

	return &testEnv{
		store:       store,
		events:      events,
		published:   published,
		ledger:      ledger,
		allocations: NewAllocationService(ledger, store, logger),
		monitor:     NewStockMonitor(ledger, store),
		audit:       NewAuditService(ledger, store),
	}
}

// seedItem creates a catalog item and restocks it to onHand.
func (e *testEnv) seedItem(t *testing.T, id string, onHand, reorderPoint int, unitCost string) {
	t.Helper()
	ctx := context.Background()

	_, err := e.allocations.SaveCatalogItem(ctx, CatalogItemRequest{
		ID:           id,
		PartNumber:   "PN-" + id,
		UnitCost:     decimal.RequireFromString(unitCost),
		ReorderPoint: reorderPoint,
	})
	require.NoError(t, err)

	if onHand > 0 {
		_, err = e.allocations.Restock(ctx, RestockRequest{ItemID: id, Quantity: onHand, Actor: testActor})
		require.NoError(t, err)
	}
}

func (e *testEnv) onHand(t *testing.T, id string) int {
	t.Helper()
	qty, err := e.ledger.GetQuantity(context.Background(), id)
	require.NoError(t, err)
	return qty
}
