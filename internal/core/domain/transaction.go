package domain

import "time"

type TransactionType string

const (
	TransactionAdjustment TransactionType = "adjustment"
	TransactionPull       TransactionType = "pull"
	TransactionReturn     TransactionType = "return"
	TransactionRestock    TransactionType = "restock"
	TransactionDamage     TransactionType = "damage"
	TransactionTransfer   TransactionType = "transfer"
)

// ValidDelta reports whether delta has the sign the transaction type
// requires. Adjustments may carry a zero delta when a physical count
// confirms the snapshot.
func (t TransactionType) ValidDelta(delta int) bool {
	switch t {
	case TransactionPull, TransactionDamage:
		return delta < 0
	case TransactionReturn, TransactionRestock:
		return delta > 0
	case TransactionTransfer:
		return delta != 0
	case TransactionAdjustment:
		return true
	default:
		return false
	}
}

// StockTransaction is an immutable ledger row. Seq orders the rows of one
// item without gaps, starting at 1.
type StockTransaction struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	Seq            int64           `json:"seq"`
	Type           TransactionType `json:"type"`
	QuantityDelta  int             `json:"quantity_delta"`
	QuantityBefore int             `json:"quantity_before"`
	QuantityAfter  int             `json:"quantity_after"`
	Actor          string          `json:"actor"`
	JobReference   *string         `json:"job_reference,omitempty"`
	AllocationID   *string         `json:"allocation_id,omitempty"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// TransactionFilter selects ledger rows by item or by job, optionally
// bounded by [From, To). AfterSeq pages through a single item's history.
type TransactionFilter struct {
	ItemID   string
	JobID    string
	From     *time.Time
	To       *time.Time
	AfterSeq int64
	Limit    int
}

func (f TransactionFilter) NormalizedLimit() int {
	if f.Limit < 1 {
		return DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}
