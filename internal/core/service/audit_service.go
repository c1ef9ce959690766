package service

import (
	"context"
	"fmt"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

type AllocationHistory struct {
	Allocation   domain.Allocation
	Transactions []domain.StockTransaction
}

type Reconciliation struct {
	ItemID           string
	QuantityOnHand   int
	LastSeq          int64
	SumOfDeltas      int
	TransactionCount int
	Consistent       bool
	Discrepancies    []string
}

// AuditService is a read-only projection over committed ledger and
// allocation state.
type AuditService struct {
	ledger *Ledger
	store  port.LedgerStore
}

func NewAuditService(ledger *Ledger, store port.LedgerStore) *AuditService {
	return &AuditService{ledger: ledger, store: store}
}

// ListTransactions returns the history of exactly one item or one job.
func (s *AuditService) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	if (filter.ItemID == "") == (filter.JobID == "") {
		return nil, domain.NewError(domain.ErrValidation, "exactly one of item id or job id is required")
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, domain.NewError(domain.ErrValidation, "from must be before to")
	}
	if filter.ItemID != "" {
		if _, err := s.ledger.GetItem(ctx, filter.ItemID); err != nil {
			return nil, err
		}
	}
	filter.Limit = filter.NormalizedLimit()
	return s.list(ctx, filter)
}

// JobHistory returns every allocation of a job with the pull and return
// transactions that moved it.
func (s *AuditService) JobHistory(ctx context.Context, jobID string) ([]AllocationHistory, error) {
	if jobID == "" {
		return nil, domain.NewError(domain.ErrValidation, "job id is required")
	}

	var allocations []domain.Allocation
	err := s.ledger.coord.Do(ctx, "list_allocations", func(ctx context.Context) error {
		var err error
		allocations, err = s.store.ListAllocations(ctx, domain.AllocationFilter{JobID: jobID})
		return err
	})
	if err != nil {
		return nil, err
	}

	txns, err := s.list(ctx, domain.TransactionFilter{JobID: jobID, Limit: domain.MaxListLimit})
	if err != nil {
		return nil, err
	}

	byAllocation := make(map[string][]domain.StockTransaction, len(allocations))
	for _, txn := range txns {
		if txn.AllocationID != nil {
			byAllocation[*txn.AllocationID] = append(byAllocation[*txn.AllocationID], txn)
		}
	}

	history := make([]AllocationHistory, 0, len(allocations))
	for _, a := range allocations {
		history = append(history, AllocationHistory{Allocation: a, Transactions: byAllocation[a.ID]})
	}
	return history, nil
}

// Reconcile replays an item's committed history and checks that the
// snapshot equals the sum of deltas and that the rows chain without gaps.
func (s *AuditService) Reconcile(ctx context.Context, itemID string) (*Reconciliation, error) {
	item, err := s.ledger.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	r := &Reconciliation{
		ItemID:         item.ID,
		QuantityOnHand: item.QuantityOnHand,
		LastSeq:        item.LastSeq,
	}

	var (
		afterSeq  int64
		prevAfter int
	)
	for afterSeq < item.LastSeq {
		page, err := s.list(ctx, domain.TransactionFilter{ItemID: itemID, AfterSeq: afterSeq, Limit: domain.MaxListLimit})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, txn := range page {
			if txn.Seq > item.LastSeq {
				break
			}
			if txn.Seq != afterSeq+1 {
				r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("seq gap: expected %d, found %d", afterSeq+1, txn.Seq))
			}
			if txn.QuantityBefore != prevAfter {
				r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("seq %d: quantity_before %d does not match previous quantity_after %d",
					txn.Seq, txn.QuantityBefore, prevAfter))
			}
			if txn.QuantityBefore+txn.QuantityDelta != txn.QuantityAfter {
				r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("seq %d: %d%+d != %d",
					txn.Seq, txn.QuantityBefore, txn.QuantityDelta, txn.QuantityAfter))
			}
			r.SumOfDeltas += txn.QuantityDelta
			r.TransactionCount++
			prevAfter = txn.QuantityAfter
			afterSeq = txn.Seq
		}
		if len(page) < domain.MaxListLimit {
			break
		}
	}

	if afterSeq != item.LastSeq {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("history ends at seq %d, snapshot at %d", afterSeq, item.LastSeq))
	}
	if r.SumOfDeltas != item.QuantityOnHand {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("sum of deltas %d != quantity_on_hand %d", r.SumOfDeltas, item.QuantityOnHand))
	}
	r.Consistent = len(r.Discrepancies) == 0
	return r, nil
}

func (s *AuditService) list(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	var txns []domain.StockTransaction
	err := s.ledger.coord.Do(ctx, "list_transactions", func(ctx context.Context) error {
		var err error
		txns, err = s.store.ListTransactions(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txns, nil
}
