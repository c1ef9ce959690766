package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// MemoryStore keeps the ledger in process. Units of work stage their writes
// and validate what they read at commit, so a unit of work that raced with
// another fails with ErrConcurrencyConflict instead of overwriting it.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[string]domain.Item
	txns        map[string][]domain.StockTransaction
	allocations map[string]domain.Allocation
	jobs        map[string]domain.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]domain.Item),
		txns:        make(map[string][]domain.StockTransaction),
		allocations: make(map[string]domain.Allocation),
		jobs:        make(map[string]domain.Job),
	}
}

func (m *MemoryStore) WithinTx(ctx context.Context, itemIDs []string, fn func(tx port.LedgerTx) error) error {
	tx := &memoryTx{
		store:       m,
		items:       make(map[string]*domain.Item),
		itemSeqs:    make(map[string]int64),
		allocations: make(map[string]*domain.Allocation),
		allocReads:  make(map[string]int),
		jobReads:    make(map[string]domain.JobStatus),
		dirtyItems:  make(map[string]bool),
		dirtyAllocs: make(map[string]bool),
	}
	for _, id := range itemIDs {
		if _, err := tx.Item(ctx, id); err != nil {
			return err
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryStore) SaveCatalogItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.items[item.ID]; ok {
		item.QuantityOnHand = existing.QuantityOnHand
		item.LastSeq = existing.LastSeq
		item.CreatedAt = existing.CreatedAt
	} else {
		item.QuantityOnHand = 0
		item.LastSeq = 0
	}
	m.items[item.ID] = item
	return &item, nil
}

func (m *MemoryStore) GetAllocation(_ context.Context, allocationID string) (*domain.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.allocations[allocationID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) ListAllocations(_ context.Context, filter domain.AllocationFilter) ([]domain.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Allocation
	for _, a := range m.allocations {
		if filter.JobID != "" && a.JobID != filter.JobID {
			continue
		}
		if filter.ItemID != "" && a.ItemID != filter.ItemID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.NormalizedLimit()
	match := func(txn domain.StockTransaction) bool {
		if txn.Seq <= filter.AfterSeq && filter.ItemID != "" {
			return false
		}
		if filter.From != nil && txn.CreatedAt.Before(*filter.From) {
			return false
		}
		if filter.To != nil && !txn.CreatedAt.Before(*filter.To) {
			return false
		}
		return true
	}

	var out []domain.StockTransaction
	if filter.ItemID != "" {
		for _, txn := range m.txns[filter.ItemID] {
			if match(txn) {
				out = append(out, txn)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}

	for _, history := range m.txns {
		for _, txn := range history {
			if txn.JobReference != nil && *txn.JobReference == filter.JobID && match(txn) {
				out = append(out, txn)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListLowStock(_ context.Context, limit int) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Item
	for _, item := range m.items {
		if item.IsLow() {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b domain.Item) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, jobID string, fn func(job *domain.Job) error) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		job = domain.Job{ID: jobID, Status: domain.JobOpen}
	}
	if err := fn(&job); err != nil {
		return nil, err
	}
	m.jobs[jobID] = job
	return &job, nil
}

type memoryTx struct {
	store *MemoryStore

	items       map[string]*domain.Item
	itemSeqs    map[string]int64
	allocations map[string]*domain.Allocation
	allocReads  map[string]int
	jobReads    map[string]domain.JobStatus

	dirtyItems  map[string]bool
	dirtyAllocs map[string]bool
	newAllocs   []string
	newTxns     []domain.StockTransaction
}

func (t *memoryTx) Item(_ context.Context, itemID string) (*domain.Item, error) {
	if item, ok := t.items[itemID]; ok {
		if item == nil {
			return nil, nil
		}
		cp := *item
		return &cp, nil
	}

	t.store.mu.RLock()
	item, ok := t.store.items[itemID]
	t.store.mu.RUnlock()
	if !ok {
		t.items[itemID] = nil
		t.itemSeqs[itemID] = -1
		return nil, nil
	}

	t.items[itemID] = &item
	t.itemSeqs[itemID] = item.LastSeq
	cp := item
	return &cp, nil
}

func (t *memoryTx) Job(_ context.Context, jobID string) (*domain.Job, error) {
	t.store.mu.RLock()
	job, ok := t.store.jobs[jobID]
	t.store.mu.RUnlock()

	if !ok {
		t.jobReads[jobID] = ""
		return nil, nil
	}
	t.jobReads[jobID] = job.Status
	return &job, nil
}

func (t *memoryTx) Allocation(_ context.Context, allocationID string) (*domain.Allocation, error) {
	if a, ok := t.allocations[allocationID]; ok {
		cp := *a
		return &cp, nil
	}

	t.store.mu.RLock()
	a, ok := t.store.allocations[allocationID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	t.allocations[allocationID] = &a
	t.allocReads[allocationID] = a.QuantityReturned
	cp := a
	return &cp, nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn domain.StockTransaction) error {
	t.newTxns = append(t.newTxns, txn)
	return nil
}

func (t *memoryTx) UpdateItemQuantity(ctx context.Context, itemID string, quantity int, prevSeq, newSeq int64) error {
	item, err := t.Item(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return domain.NewError(domain.ErrItemNotFound, "item %s not found", itemID)
	}
	if item.LastSeq != prevSeq {
		return domain.NewError(domain.ErrConcurrencyConflict, "item %s changed concurrently", itemID)
	}

	staged := t.items[itemID]
	staged.QuantityOnHand = quantity
	staged.LastSeq = newSeq
	staged.UpdatedAt = time.Now().UTC()
	t.dirtyItems[itemID] = true
	return nil
}

func (t *memoryTx) InsertAllocation(_ context.Context, a domain.Allocation) error {
	t.allocations[a.ID] = &a
	t.newAllocs = append(t.newAllocs, a.ID)
	return nil
}

func (t *memoryTx) UpdateAllocation(_ context.Context, a domain.Allocation) error {
	if _, ok := t.allocations[a.ID]; !ok {
		return domain.NewError(domain.ErrAllocationNotFound, "allocation %s not found", a.ID)
	}
	t.allocations[a.ID] = &a
	t.dirtyAllocs[a.ID] = true
	return nil
}

func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict := func(what, id string) error {
		return domain.NewError(domain.ErrConcurrencyConflict, "%s %s changed concurrently", what, id)
	}
	for id, seq := range t.itemSeqs {
		current, ok := s.items[id]
		if (!ok && seq != -1) || (ok && current.LastSeq != seq) {
			return conflict("item", id)
		}
	}
	for id, returned := range t.allocReads {
		if s.allocations[id].QuantityReturned != returned {
			return conflict("allocation", id)
		}
	}
	for id, status := range t.jobReads {
		if s.jobs[id].Status != status {
			return conflict("job", id)
		}
	}
	for _, id := range t.newAllocs {
		if _, exists := s.allocations[id]; exists {
			return domain.NewError(domain.ErrValidation, "allocation %s already exists", id)
		}
	}

	for _, txn := range t.newTxns {
		s.txns[txn.ItemID] = append(s.txns[txn.ItemID], txn)
	}
	// Only the quantity snapshot belongs to the unit of work. Catalog fields
	// may have been saved since the item was read.
	for id := range t.dirtyItems {
		staged := t.items[id]
		current := s.items[id]
		current.QuantityOnHand = staged.QuantityOnHand
		current.LastSeq = staged.LastSeq
		current.UpdatedAt = staged.UpdatedAt
		s.items[id] = current
	}
	for _, id := range t.newAllocs {
		s.allocations[id] = *t.allocations[id]
	}
	for id := range t.dirtyAllocs {
		s.allocations[id] = *t.allocations[id]
	}
	return nil
}
