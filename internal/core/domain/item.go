package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ID             string
	PartNumber     string
	Description    string
	Category       string
	UnitCost       decimal.Decimal
	UnitPrice      decimal.Decimal
	QuantityOnHand int
	ReorderPoint   int
	Location       string
	LastSeq        int64 // seq of the last committed transaction, 0 when none
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsLow is derived from the snapshot on every call and never stored.
func (i Item) IsLow() bool {
	return i.QuantityOnHand <= i.ReorderPoint
}
