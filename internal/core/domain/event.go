package domain

import "time"

type EventType string

const (
	EventTransactionCommitted EventType = "stock.transaction.committed"
	EventLowStock             EventType = "stock.low"
)

// StockEvent describes committed ledger state for downstream collaborators.
type StockEvent struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	ItemID         string            `json:"item_id"`
	QuantityOnHand int               `json:"quantity_on_hand"`
	ReorderPoint   int               `json:"reorder_point"`
	Transaction    *StockTransaction `json:"transaction,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
