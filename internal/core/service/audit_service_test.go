package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestListTransactions_FilterRules(t *testing.T) {
	env := newTestEnv(t)
	env.seedItem(t, "item-1", 5, 1, "1.00")
	ctx := context.Background()

	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name   string
		filter domain.TransactionFilter
		want   error
	}{
		{"no subject", domain.TransactionFilter{}, domain.ErrValidation},
		{"item and job", domain.TransactionFilter{ItemID: "item-1", JobID: "job-1"}, domain.ErrValidation},
		{"inverted range", domain.TransactionFilter{ItemID: "item-1", From: &now, To: &earlier}, domain.ErrValidation},
		{"unknown item", domain.TransactionFilter{ItemID: "ghost"}, domain.ErrItemNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.audit.ListTransactions(ctx, tt.filter)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestListTransactions_ByJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedItem(t, "item-1", 10, 1, "1.00")
	env.seedItem(t, "item-2", 10, 1, "1.00")
	ctx := context.Background()

	for _, pull := range []PullRequest{
		{JobID: "job-1", ItemID: "item-1", Quantity: 1, Actor: testActor},
		{JobID: "job-2", ItemID: "item-1", Quantity: 2, Actor: testActor},
		{JobID: "job-1", ItemID: "item-2", Quantity: 3, Actor: testActor},
	} {
		_, err := env.allocations.PullMaterial(ctx, pull)
		require.NoError(t, err)
	}

	txns, err := env.audit.ListTransactions(ctx, domain.TransactionFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	for _, txn := range txns {
		require.NotNil(t, txn.JobReference)
		assert.Equal(t, "job-1", *txn.JobReference)
	}

	limited, err := env.audit.ListTransactions(ctx, domain.TransactionFilter{ItemID: "item-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJobHistory_GroupsByAllocation(t *testing.T) {
	env := newTestEnv(t)
	env.seedItem(t, "item-1", 10, 1, "1.00")
	ctx := context.Background()

	first, err := env.allocations.PullMaterial(ctx, PullRequest{JobID: "job-1", ItemID: "item-1", Quantity: 4, Actor: testActor})
	require.NoError(t, err)
	second, err := env.allocations.PullMaterial(ctx, PullRequest{JobID: "job-1", ItemID: "item-1", Quantity: 1, Actor: testActor})
	require.NoError(t, err)
	_, err = env.allocations.ReturnMaterial(ctx, ReturnRequest{AllocationID: first.ID, Quantity: 1, Actor: testActor})
	require.NoError(t, err)

	history, err := env.audit.JobHistory(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	byID := make(map[string]AllocationHistory)
	for _, h := range history {
		byID[h.Allocation.ID] = h
	}
	assert.Len(t, byID[first.ID].Transactions, 2)
	assert.Equal(t, domain.AllocationPartiallyReturned, byID[first.ID].Allocation.Status)
	assert.Len(t, byID[second.ID].Transactions, 1)

	_, err = env.audit.JobHistory(ctx, "")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReconcile_ChainsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedItem(t, "item-1", 10, 1, "1.00")
	ctx := context.Background()

	a, err := env.allocations.PullMaterial(ctx, PullRequest{JobID: "job-1", ItemID: "item-1", Quantity: 3, Actor: testActor})
	require.NoError(t, err)
	_, err = env.allocations.ReturnMaterial(ctx, ReturnRequest{AllocationID: a.ID, Quantity: 1, Actor: testActor})
	require.NoError(t, err)
	_, err = env.allocations.AdjustStock(ctx, AdjustRequest{ItemID: "item-1", Delta: intPtr(2), Actor: testActor, Reason: "found"})
	require.NoError(t, err)

	rec, err := env.audit.Reconcile(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, rec.Discrepancies)
	assert.Equal(t, 10, rec.QuantityOnHand)
	assert.Equal(t, 10, rec.SumOfDeltas)
	assert.EqualValues(t, 4, rec.LastSeq)
	assert.Equal(t, 4, rec.TransactionCount)

	_, err = env.audit.Reconcile(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestReconcile_EmptyHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedItem(t, "item-1", 0, 1, "1.00")

	rec, err := env.audit.Reconcile(context.Background(), "item-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Zero(t, rec.TransactionCount)
}
