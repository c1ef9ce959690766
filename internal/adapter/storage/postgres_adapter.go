package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

type itemRecord struct {
	ID             string          `gorm:"primaryKey;size:64"`
	PartNumber     string          `gorm:"size:64;not null"`
	Description    string          `gorm:"size:512;not null;default:''"`
	Category       string          `gorm:"size:128;not null;default:''"`
	UnitCost       decimal.Decimal `gorm:"type:numeric(14,4);not null;default:0"`
	UnitPrice      decimal.Decimal `gorm:"type:numeric(14,4);not null;default:0"`
	QuantityOnHand int             `gorm:"not null;default:0;check:chk_items_on_hand,quantity_on_hand >= 0"`
	ReorderPoint   int             `gorm:"not null;default:0"`
	Location       string          `gorm:"size:128;not null;default:''"`
	LastSeq        int64           `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (itemRecord) TableName() string { return "items" }

type transactionRecord struct {
	ID             string    `gorm:"primaryKey;type:uuid"`
	ItemID         string    `gorm:"size:64;not null;uniqueIndex:uq_stock_transactions_item_seq,priority:1"`
	Seq            int64     `gorm:"not null;uniqueIndex:uq_stock_transactions_item_seq,priority:2"`
	Type           string    `gorm:"size:16;not null"`
	QuantityDelta  int       `gorm:"not null"`
	QuantityBefore int       `gorm:"not null"`
	QuantityAfter  int       `gorm:"not null"`
	Actor          string    `gorm:"size:128;not null"`
	JobReference   *string   `gorm:"size:64;index:idx_stock_transactions_job,priority:1"`
	AllocationID   *string   `gorm:"type:uuid"`
	Note           string    `gorm:"size:512;not null;default:''"`
	CreatedAt      time.Time `gorm:"index:idx_stock_transactions_job,priority:2"`
}

func (transactionRecord) TableName() string { return "stock_transactions" }

type allocationRecord struct {
	ID                string          `gorm:"primaryKey;type:uuid"`
	JobID             string          `gorm:"size:64;not null;index"`
	ItemID            string          `gorm:"size:64;not null"`
	QuantityAllocated int             `gorm:"not null"`
	QuantityReturned  int             `gorm:"not null;default:0;check:chk_allocations_returned,quantity_returned <= quantity_allocated"`
	UnitCostSnapshot  decimal.Decimal `gorm:"type:numeric(14,4);not null"`
	Status            string          `gorm:"size:24;not null"`
	PullTransactionID string          `gorm:"type:uuid;not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (allocationRecord) TableName() string { return "allocations" }

type jobRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:16;not null"`
	UpdatedAt time.Time
}

func (jobRecord) TableName() string { return "jobs" }

// PostgresAdapter is the gorm-backed ledger store. Rows are locked with
// SELECT ... FOR UPDATE through clause.Locking and lock waits are bounded
// per transaction.
type PostgresAdapter struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

func NewPostgresAdapter(db *gorm.DB, lockTimeout time.Duration) *PostgresAdapter {
	return &PostgresAdapter{db: db, lockTimeout: lockTimeout}
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(&itemRecord{}, &transactionRecord{}, &allocationRecord{}, &jobRecord{})
}

func (p *PostgresAdapter) WithinTx(ctx context.Context, itemIDs []string, fn func(tx port.LedgerTx) error) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		if len(itemIDs) > 0 {
			var locked []string
			err := tx.Model(&itemRecord{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id IN ?", itemIDs).
				Order("id").
				Pluck("id", &locked).Error
			if err != nil {
				return fmt.Errorf("lock items: %w", err)
			}
		}
		return fn(&postgresTx{db: tx})
	})
	return translatePgError(err)
}

func (p *PostgresAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var rec itemRecord
	err := p.db.WithContext(ctx).Where("id = ?", itemID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return rec.toDomain(), nil
}

func (p *PostgresAdapter) SaveCatalogItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	rec := itemRecord{
		ID:           item.ID,
		PartNumber:   item.PartNumber,
		Description:  item.Description,
		Category:     item.Category,
		UnitCost:     item.UnitCost,
		UnitPrice:    item.UnitPrice,
		ReorderPoint: item.ReorderPoint,
		Location:     item.Location,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"part_number", "description", "category", "unit_cost", "unit_price",
			"reorder_point", "location", "updated_at",
		}),
	}).Omit("quantity_on_hand", "last_seq").Create(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("upsert item: %w", translatePgError(err))
	}
	return p.GetItem(ctx, item.ID)
}

func (p *PostgresAdapter) GetAllocation(ctx context.Context, allocationID string) (*domain.Allocation, error) {
	var rec allocationRecord
	err := p.db.WithContext(ctx).Where("id = ?", allocationID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query allocation: %w", err)
	}
	return rec.toDomain(), nil
}

func (p *PostgresAdapter) ListAllocations(ctx context.Context, filter domain.AllocationFilter) ([]domain.Allocation, error) {
	q := p.db.WithContext(ctx).Model(&allocationRecord{})
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.ItemID != "" {
		q = q.Where("item_id = ?", filter.ItemID)
	}

	var recs []allocationRecord
	if err := q.Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	out := make([]domain.Allocation, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toDomain())
	}
	return out, nil
}

func (p *PostgresAdapter) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	q := p.db.WithContext(ctx).Model(&transactionRecord{})
	if filter.ItemID != "" {
		q = q.Where("item_id = ? AND seq > ?", filter.ItemID, filter.AfterSeq).Order("seq")
	} else {
		q = q.Where("job_reference = ?", filter.JobID).Order("created_at, item_id, seq")
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", *filter.To)
	}

	var recs []transactionRecord
	if err := q.Limit(filter.NormalizedLimit()).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	out := make([]domain.StockTransaction, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toDomain())
	}
	return out, nil
}

func (p *PostgresAdapter) ListLowStock(ctx context.Context, limit int) ([]domain.Item, error) {
	var recs []itemRecord
	err := p.db.WithContext(ctx).
		Where("quantity_on_hand <= reorder_point").
		Order("id").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	out := make([]domain.Item, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toDomain())
	}
	return out, nil
}

func (p *PostgresAdapter) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var rec jobRecord
	err := p.db.WithContext(ctx).Where("id = ?", jobID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return rec.toDomain(), nil
}

func (p *PostgresAdapter) UpdateJob(ctx context.Context, jobID string, fn func(job *domain.Job) error) (*domain.Job, error) {
	var job *domain.Job
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := jobRecord{ID: jobID, Status: string(domain.JobOpen)}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobID).Take(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lock job: %w", err)
		}

		job = rec.toDomain()
		if err := fn(job); err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).Create(&jobRecord{ID: job.ID, Status: string(job.Status), UpdatedAt: job.UpdatedAt}).Error
	})
	if err != nil {
		return nil, translatePgError(err)
	}
	return job, nil
}

type postgresTx struct {
	db *gorm.DB
}

func (t *postgresTx) Item(ctx context.Context, itemID string) (*domain.Item, error) {
	var rec itemRecord
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", itemID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}
	return rec.toDomain(), nil
}

func (t *postgresTx) Job(ctx context.Context, jobID string) (*domain.Job, error) {
	var rec jobRecord
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "SHARE"}).Where("id = ?", jobID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return rec.toDomain(), nil
}

func (t *postgresTx) Allocation(ctx context.Context, allocationID string) (*domain.Allocation, error) {
	var rec allocationRecord
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", allocationID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock allocation: %w", err)
	}
	return rec.toDomain(), nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn domain.StockTransaction) error {
	rec := transactionRecord{
		ID:             txn.ID,
		ItemID:         txn.ItemID,
		Seq:            txn.Seq,
		Type:           string(txn.Type),
		QuantityDelta:  txn.QuantityDelta,
		QuantityBefore: txn.QuantityBefore,
		QuantityAfter:  txn.QuantityAfter,
		Actor:          txn.Actor,
		JobReference:   txn.JobReference,
		AllocationID:   txn.AllocationID,
		Note:           txn.Note,
		CreatedAt:      txn.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateItemQuantity(ctx context.Context, itemID string, quantity int, prevSeq, newSeq int64) error {
	result := t.db.WithContext(ctx).Model(&itemRecord{}).
		Where("id = ? AND last_seq = ?", itemID, prevSeq).
		Updates(map[string]any{
			"quantity_on_hand": quantity,
			"last_seq":         newSeq,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("update item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NewError(domain.ErrConcurrencyConflict, "item %s changed concurrently", itemID)
	}
	return nil
}

func (t *postgresTx) InsertAllocation(ctx context.Context, a domain.Allocation) error {
	rec := allocationRecord{
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
	if err := t.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateAllocation(ctx context.Context, a domain.Allocation) error {
	err := t.db.WithContext(ctx).Model(&allocationRecord{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"quantity_returned": a.QuantityReturned,
			"status":            string(a.Status),
			"updated_at":        a.UpdatedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("update allocation: %w", err)
	}
	return nil
}

func (r *itemRecord) toDomain() *domain.Item {
	return &domain.Item{
		ID:             r.ID,
		PartNumber:     r.PartNumber,
		Description:    r.Description,
		Category:       r.Category,
		UnitCost:       r.UnitCost,
		UnitPrice:      r.UnitPrice,
		QuantityOnHand: r.QuantityOnHand,
		ReorderPoint:   r.ReorderPoint,
		Location:       r.Location,
		LastSeq:        r.LastSeq,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *transactionRecord) toDomain() *domain.StockTransaction {
	return &domain.StockTransaction{
		ID:             r.ID,
		ItemID:         r.ItemID,
		Seq:            r.Seq,
		Type:           domain.TransactionType(r.Type),
		QuantityDelta:  r.QuantityDelta,
		QuantityBefore: r.QuantityBefore,
		QuantityAfter:  r.QuantityAfter,
		Actor:          r.Actor,
		JobReference:   r.JobReference,
		AllocationID:   r.AllocationID,
		Note:           r.Note,
		CreatedAt:      r.CreatedAt,
	}
}

func (r *allocationRecord) toDomain() *domain.Allocation {
	return &domain.Allocation{
		ID:                r.ID,
		JobID:             r.JobID,
		ItemID:            r.ItemID,
		QuantityAllocated: r.QuantityAllocated,
		QuantityReturned:  r.QuantityReturned,
		UnitCostSnapshot:  r.UnitCostSnapshot,
		Status:            domain.AllocationStatus(r.Status),
		PullTransactionID: r.PullTransactionID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (r *jobRecord) toDomain() *domain.Job {
	return &domain.Job{ID: r.ID, Status: domain.JobStatus(r.Status), UpdatedAt: r.UpdatedAt}
}

func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return domain.NewError(domain.ErrConcurrencyConflict, "item is locked by another operation")
		case pgUniqueViolation:
			return domain.NewError(domain.ErrConcurrencyConflict, "ledger sequence already taken")
		}
	}
	return err
}
