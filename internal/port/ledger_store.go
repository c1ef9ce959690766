package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type LedgerStore interface {
	// WithinTx runs fn in one unit of work. Rows for itemIDs are locked in the given order
	// before fn runs; any error from fn rolls back every write made through tx
	WithinTx(ctx context.Context, itemIDs []string, fn func(tx LedgerTx) error) error

	// GetItem returns the committed snapshot, nil when the item does not exist
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)

	// SaveCatalogItem creates or updates descriptive fields. It never writes quantity_on_hand or last_seq
	SaveCatalogItem(ctx context.Context, item domain.Item) (*domain.Item, error)

	// GetAllocation returns nil when the allocation does not exist
	GetAllocation(ctx context.Context, allocationID string) (*domain.Allocation, error)

	ListAllocations(ctx context.Context, filter domain.AllocationFilter) ([]domain.Allocation, error)

	// ListTransactions orders item history by seq and job history by creation time
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error)

	// ListLowStock returns items with quantity_on_hand <= reorder_point
	ListLowStock(ctx context.Context, limit int) ([]domain.Item, error)

	// GetJob returns nil for a job that was never reported
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// UpdateJob locks the job row (an unreported job starts as open), applies fn and persists the result
	UpdateJob(ctx context.Context, jobID string, fn func(job *domain.Job) error) (*domain.Job, error)
}

// LedgerTx is the write side of a unit of work. Reads through it see the
// transaction's own writes and hold locks until commit.
type LedgerTx interface {
	Item(ctx context.Context, itemID string) (*domain.Item, error)
	Job(ctx context.Context, jobID string) (*domain.Job, error)
	Allocation(ctx context.Context, allocationID string) (*domain.Allocation, error)

	InsertTransaction(ctx context.Context, txn domain.StockTransaction) error

	// UpdateItemQuantity fails with ErrConcurrencyConflict when the stored last_seq is no longer prevSeq
	UpdateItemQuantity(ctx context.Context, itemID string, quantity int, prevSeq, newSeq int64) error

	InsertAllocation(ctx context.Context, allocation domain.Allocation) error
	UpdateAllocation(ctx context.Context, allocation domain.Allocation) error
}
