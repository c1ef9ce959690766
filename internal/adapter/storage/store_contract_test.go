package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// runStoreContract exercises the behaviour every LedgerStore must share.
// Ids are random so the suite can run against a database that already holds
// data.
func runStoreContract(t *testing.T, store port.LedgerStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	itemID := "item-" + uuid.NewString()[:8]
	jobID := "job-" + uuid.NewString()[:8]

	saveItem := func(t *testing.T, cost string) *domain.Item {
		item, err := store.SaveCatalogItem(ctx, domain.Item{
			ID:           itemID,
			PartNumber:   "PN-100",
			Description:  "copper elbow",
			UnitCost:     decimal.RequireFromString(cost),
			UnitPrice:    decimal.RequireFromString("7.50"),
			ReorderPoint: 3,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		require.NoError(t, err)
		return item
	}

	appendDelta := func(tx port.LedgerTx, delta int) (domain.StockTransaction, error) {
		item, err := tx.Item(ctx, itemID)
		if err != nil {
			return domain.StockTransaction{}, err
		}
		txn := domain.StockTransaction{
			ID:             uuid.NewString(),
			ItemID:         itemID,
			Seq:            item.LastSeq + 1,
			Type:           domain.TransactionRestock,
			QuantityDelta:  delta,
			QuantityBefore: item.QuantityOnHand,
			QuantityAfter:  item.QuantityOnHand + delta,
			Actor:          "tester",
			CreatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return txn, err
		}
		return txn, tx.UpdateItemQuantity(ctx, itemID, txn.QuantityAfter, item.LastSeq, txn.Seq)
	}

	t.Run("catalog item starts empty", func(t *testing.T) {
		item := saveItem(t, "4.25")
		assert.Equal(t, 0, item.QuantityOnHand)
		assert.EqualValues(t, 0, item.LastSeq)

		missing, err := store.GetItem(ctx, "missing-"+itemID)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("unit of work commits row and snapshot together", func(t *testing.T) {
		err := store.WithinTx(ctx, []string{itemID}, func(tx port.LedgerTx) error {
			_, err := appendDelta(tx, 5)
			return err
		})
		require.NoError(t, err)

		item, err := store.GetItem(ctx, itemID)
		require.NoError(t, err)
		assert.Equal(t, 5, item.QuantityOnHand)
		assert.EqualValues(t, 1, item.LastSeq)

		txns, err := store.ListTransactions(ctx, domain.TransactionFilter{ItemID: itemID})
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, 5, txns[0].QuantityAfter)
	})

	t.Run("catalog update keeps quantity", func(t *testing.T) {
		item := saveItem(t, "9.10")
		assert.Equal(t, 5, item.QuantityOnHand)
		assert.True(t, item.UnitCost.Equal(decimal.RequireFromString("9.10")))
	})

	t.Run("stale snapshot is a conflict and rolls back", func(t *testing.T) {
		err := store.WithinTx(ctx, []string{itemID}, func(tx port.LedgerTx) error {
			txn := domain.StockTransaction{
				ID: uuid.NewString(), ItemID: itemID, Seq: 2, Type: domain.TransactionRestock,
				QuantityDelta: 1, QuantityBefore: 5, QuantityAfter: 6, Actor: "tester", CreatedAt: now,
			}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
			return tx.UpdateItemQuantity(ctx, itemID, 6, 0, 2)
		})
		require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

		txns, err := store.ListTransactions(ctx, domain.TransactionFilter{ItemID: itemID})
		require.NoError(t, err)
		assert.Len(t, txns, 1)
	})

	t.Run("callback error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.WithinTx(ctx, []string{itemID}, func(tx port.LedgerTx) error {
			if _, err := appendDelta(tx, 3); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		item, err := store.GetItem(ctx, itemID)
		require.NoError(t, err)
		assert.Equal(t, 5, item.QuantityOnHand)
	})

	var allocationID string
	t.Run("allocations", func(t *testing.T) {
		allocationID = uuid.NewString()
		err := store.WithinTx(ctx, []string{itemID}, func(tx port.LedgerTx) error {
			txn, err := appendDelta(tx, -2)
			if err != nil {
				return err
			}
			return tx.InsertAllocation(ctx, domain.Allocation{
				ID:                allocationID,
				JobID:             jobID,
				ItemID:            itemID,
				QuantityAllocated: 2,
				UnitCostSnapshot:  decimal.RequireFromString("9.10"),
				Status:            domain.AllocationActive,
				PullTransactionID: txn.ID,
				CreatedAt:         now,
				UpdatedAt:         now,
			})
		})
		require.NoError(t, err)

		err = store.WithinTx(ctx, []string{itemID}, func(tx port.LedgerTx) error {
			a, err := tx.Allocation(ctx, allocationID)
			if err != nil {
				return err
			}
			if err := a.ApplyReturn(1, now); err != nil {
				return err
			}
			return tx.UpdateAllocation(ctx, *a)
		})
		require.NoError(t, err)

		a, err := store.GetAllocation(ctx, allocationID)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, 1, a.QuantityReturned)
		assert.Equal(t, domain.AllocationPartiallyReturned, a.Status)
		assert.True(t, a.UnitCostSnapshot.Equal(decimal.RequireFromString("9.10")))

		list, err := store.ListAllocations(ctx, domain.AllocationFilter{JobID: jobID})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, allocationID, list[0].ID)
	})

	t.Run("jobs", func(t *testing.T) {
		job, err := store.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
			assert.Equal(t, domain.JobOpen, j.Status)
			j.Status = domain.JobClosed
			j.UpdatedAt = now
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.JobClosed, job.Status)

		rejected := errors.New("rejected")
		_, err = store.UpdateJob(ctx, jobID, func(j *domain.Job) error { return rejected })
		require.ErrorIs(t, err, rejected)

		job, err = store.GetJob(ctx, jobID)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, domain.JobClosed, job.Status)

		txns, err := store.ListTransactions(ctx, domain.TransactionFilter{JobID: jobID})
		require.NoError(t, err)
		assert.Empty(t, txns, "only transactions carrying the job reference are listed")
	})

	t.Run("low stock", func(t *testing.T) {
		low, err := store.ListLowStock(ctx, domain.MaxListLimit)
		require.NoError(t, err)

		var found bool
		for _, item := range low {
			found = found || item.ID == itemID
		}
		assert.True(t, found, "item with 3 on hand and reorder point 3 is low")
	})

	t.Run("paging by seq", func(t *testing.T) {
		page, err := store.ListTransactions(ctx, domain.TransactionFilter{ItemID: itemID, AfterSeq: 1, Limit: 10})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.EqualValues(t, 2, page[0].Seq)
	})
}
