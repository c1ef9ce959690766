package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	mysqlErrDeadlock        = 1213
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDuplicateEntry  = 1062
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id               VARCHAR(64)   NOT NULL PRIMARY KEY,
		part_number      VARCHAR(64)   NOT NULL,
		description      VARCHAR(512)  NOT NULL DEFAULT '',
		category         VARCHAR(128)  NOT NULL DEFAULT '',
		unit_cost        DECIMAL(14,4) NOT NULL DEFAULT 0,
		unit_price       DECIMAL(14,4) NOT NULL DEFAULT 0,
		quantity_on_hand INT           NOT NULL DEFAULT 0,
		reorder_point    INT           NOT NULL DEFAULT 0,
		location         VARCHAR(128)  NOT NULL DEFAULT '',
		last_seq         BIGINT        NOT NULL DEFAULT 0,
		created_at       DATETIME(6)   NOT NULL,
		updated_at       DATETIME(6)   NOT NULL,
		CONSTRAINT chk_items_on_hand CHECK (quantity_on_hand >= 0),
		KEY idx_items_low (quantity_on_hand, reorder_point)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_transactions (
		id              CHAR(36)     NOT NULL PRIMARY KEY,
		item_id         VARCHAR(64)  NOT NULL,
		seq             BIGINT       NOT NULL,
		type            VARCHAR(16)  NOT NULL,
		quantity_delta  INT          NOT NULL,
		quantity_before INT          NOT NULL,
		quantity_after  INT          NOT NULL,
		actor           VARCHAR(128) NOT NULL,
		job_reference   VARCHAR(64)  NULL,
		allocation_id   CHAR(36)     NULL,
		note            VARCHAR(512) NOT NULL DEFAULT '',
		created_at      DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_stock_transactions_item_seq (item_id, seq),
		KEY idx_stock_transactions_job (job_reference, created_at),
		CONSTRAINT fk_stock_transactions_item FOREIGN KEY (item_id) REFERENCES items (id)
	)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		id                  CHAR(36)      NOT NULL PRIMARY KEY,
		job_id              VARCHAR(64)   NOT NULL,
		item_id             VARCHAR(64)   NOT NULL,
		quantity_allocated  INT           NOT NULL,
		quantity_returned   INT           NOT NULL DEFAULT 0,
		unit_cost_snapshot  DECIMAL(14,4) NOT NULL,
		status              VARCHAR(24)   NOT NULL,
		pull_transaction_id CHAR(36)      NOT NULL,
		created_at          DATETIME(6)   NOT NULL,
		updated_at          DATETIME(6)   NOT NULL,
		CONSTRAINT chk_allocations_returned CHECK (quantity_returned <= quantity_allocated),
		KEY idx_allocations_job (job_id),
		CONSTRAINT fk_allocations_item FOREIGN KEY (item_id) REFERENCES items (id)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id         VARCHAR(64) NOT NULL PRIMARY KEY,
		status     VARCHAR(16) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
}

const (
	itemColumns        = `id, part_number, description, category, unit_cost, unit_price, quantity_on_hand, reorder_point, location, last_seq, created_at, updated_at`
	transactionColumns = `id, item_id, seq, type, quantity_delta, quantity_before, quantity_after, actor, job_reference, allocation_id, note, created_at`
	allocationColumns  = `id, job_id, item_id, quantity_allocated, quantity_returned, unit_cost_snapshot, status, pull_transaction_id, created_at, updated_at`
)

// MySQLAdapter stores the ledger in InnoDB. Item rows are locked with
// SELECT ... FOR UPDATE for the life of a unit of work and every snapshot
// update is guarded by last_seq.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, itemIDs []string, fn func(tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", translateMySQLError(err))
	}
	defer tx.Rollback()

	if len(itemIDs) > 0 {
		args := make([]any, len(itemIDs))
		for i, id := range itemIDs {
			args[i] = id
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM items WHERE id IN (`+placeholders(len(itemIDs))+`) ORDER BY id FOR UPDATE`, args...)
		if err != nil {
			return fmt.Errorf("lock items: %w", translateMySQLError(err))
		}
		rows.Close()
	}

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return translateMySQLError(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", translateMySQLError(err))
	}
	return nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanItem(m.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) SaveCatalogItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO items (id, part_number, description, category, unit_cost, unit_price, reorder_point, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			part_number = VALUES(part_number),
			description = VALUES(description),
			category = VALUES(category),
			unit_cost = VALUES(unit_cost),
			unit_price = VALUES(unit_price),
			reorder_point = VALUES(reorder_point),
			location = VALUES(location),
			updated_at = VALUES(updated_at)`,
		item.ID, item.PartNumber, item.Description, item.Category, item.UnitCost, item.UnitPrice,
		item.ReorderPoint, item.Location, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert item: %w", translateMySQLError(err))
	}
	return m.GetItem(ctx, item.ID)
}

func (m *MySQLAdapter) GetAllocation(ctx context.Context, allocationID string) (*domain.Allocation, error) {
	a, err := scanAllocation(m.db.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, allocationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query allocation: %w", err)
	}
	return a, nil
}

func (m *MySQLAdapter) ListAllocations(ctx context.Context, filter domain.AllocationFilter) ([]domain.Allocation, error) {
	var (
		conds []string
		args  []any
	)
	if filter.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, filter.ItemID)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations`+where(conds)+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	var (
		conds []string
		args  []any
		order string
	)
	if filter.ItemID != "" {
		conds = append(conds, "item_id = ?", "seq > ?")
		args = append(args, filter.ItemID, filter.AfterSeq)
		order = " ORDER BY seq"
	} else {
		conds = append(conds, "job_reference = ?")
		args = append(args, filter.JobID)
		order = " ORDER BY created_at, item_id, seq"
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, *filter.To)
	}
	args = append(args, filter.NormalizedLimit())

	rows, err := m.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM stock_transactions`+where(conds)+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.StockTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListLowStock(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE quantity_on_hand <= reorder_point ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := m.db.QueryRowContext(ctx, `SELECT id, status, updated_at FROM jobs WHERE id = ?`, jobID).
		Scan(&job.ID, &job.Status, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return &job, nil
}

func (m *MySQLAdapter) UpdateJob(ctx context.Context, jobID string, fn func(job *domain.Job) error) (*domain.Job, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", translateMySQLError(err))
	}
	defer tx.Rollback()

	job := domain.Job{ID: jobID, Status: domain.JobOpen}
	err = tx.QueryRowContext(ctx, `SELECT status, updated_at FROM jobs WHERE id = ? FOR UPDATE`, jobID).
		Scan(&job.Status, &job.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock job: %w", translateMySQLError(err))
	}

	if err := fn(&job); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), updated_at = VALUES(updated_at)`,
		job.ID, job.Status, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert job: %w", translateMySQLError(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", translateMySQLError(err))
	}
	return &job, nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Item(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanItem(t.tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ? FOR UPDATE`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}
	return item, nil
}

func (t *mysqlTx) Job(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := t.tx.QueryRowContext(ctx, `SELECT id, status, updated_at FROM jobs WHERE id = ? FOR SHARE`, jobID).
		Scan(&job.ID, &job.Status, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return &job, nil
}

func (t *mysqlTx) Allocation(ctx context.Context, allocationID string) (*domain.Allocation, error) {
	a, err := scanAllocation(t.tx.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ? FOR UPDATE`, allocationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock allocation: %w", err)
	}
	return a, nil
}

func (t *mysqlTx) InsertTransaction(ctx context.Context, txn domain.StockTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.ItemID, txn.Seq, txn.Type, txn.QuantityDelta, txn.QuantityBefore, txn.QuantityAfter,
		txn.Actor, txn.JobReference, txn.AllocationID, txn.Note, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateItemQuantity(ctx context.Context, itemID string, quantity int, prevSeq, newSeq int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET quantity_on_hand = ?, last_seq = ?, updated_at = NOW(6)
		WHERE id = ? AND last_seq = ?`,
		quantity, newSeq, itemID, prevSeq,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.NewError(domain.ErrConcurrencyConflict, "item %s changed concurrently", itemID)
	}
	return nil
}

func (t *mysqlTx) InsertAllocation(ctx context.Context, a domain.Allocation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.ItemID, a.QuantityAllocated, a.QuantityReturned, a.UnitCostSnapshot,
		a.Status, a.PullTransactionID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateAllocation(ctx context.Context, a domain.Allocation) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE allocations SET quantity_returned = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		a.QuantityReturned, a.Status, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update allocation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var item domain.Item
	err := row.Scan(&item.ID, &item.PartNumber, &item.Description, &item.Category, &item.UnitCost, &item.UnitPrice,
		&item.QuantityOnHand, &item.ReorderPoint, &item.Location, &item.LastSeq, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanTransaction(row rowScanner) (*domain.StockTransaction, error) {
	var (
		txn          domain.StockTransaction
		jobRef       sql.NullString
		allocationID sql.NullString
	)
	err := row.Scan(&txn.ID, &txn.ItemID, &txn.Seq, &txn.Type, &txn.QuantityDelta, &txn.QuantityBefore,
		&txn.QuantityAfter, &txn.Actor, &jobRef, &allocationID, &txn.Note, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if jobRef.Valid {
		txn.JobReference = &jobRef.String
	}
	if allocationID.Valid {
		txn.AllocationID = &allocationID.String
	}
	return &txn, nil
}

func scanAllocation(row rowScanner) (*domain.Allocation, error) {
	var a domain.Allocation
	err := row.Scan(&a.ID, &a.JobID, &a.ItemID, &a.QuantityAllocated, &a.QuantityReturned, &a.UnitCostSnapshot,
		&a.Status, &a.PullTransactionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// translateMySQLError maps InnoDB lock failures to ErrConcurrencyConflict and
// leaves every other error untouched.
func translateMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return domain.NewError(domain.ErrConcurrencyConflict, "item is locked by another operation")
		case mysqlErrDuplicateEntry:
			return domain.NewError(domain.ErrConcurrencyConflict, "ledger sequence already taken")
		}
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
