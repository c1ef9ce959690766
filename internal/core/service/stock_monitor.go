package service

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

type LowStockStatus struct {
	ItemID         string
	QuantityOnHand int
	ReorderPoint   int
	Low            bool
}

// StockMonitor derives low-stock state from the committed snapshot on every
// query. Nothing is cached.
type StockMonitor struct {
	ledger *Ledger
	store  port.LedgerStore
}

func NewStockMonitor(ledger *Ledger, store port.LedgerStore) *StockMonitor {
	return &StockMonitor{ledger: ledger, store: store}
}

func (m *StockMonitor) IsLow(item domain.Item) bool {
	return item.IsLow()
}

func (m *StockMonitor) Check(ctx context.Context, itemID string) (*LowStockStatus, error) {
	item, err := m.ledger.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return &LowStockStatus{
		ItemID:         item.ID,
		QuantityOnHand: item.QuantityOnHand,
		ReorderPoint:   item.ReorderPoint,
		Low:            item.IsLow(),
	}, nil
}

func (m *StockMonitor) ListLowStock(ctx context.Context, limit int) ([]domain.Item, error) {
	limit = domain.TransactionFilter{Limit: limit}.NormalizedLimit()

	var items []domain.Item
	err := m.ledger.coord.Do(ctx, "list_low_stock", func(ctx context.Context) error {
		var err error
		items, err = m.store.ListLowStock(ctx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
