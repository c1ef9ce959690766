package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AllocationStatus string

const (
	AllocationActive            AllocationStatus = "active"
	AllocationPartiallyReturned AllocationStatus = "partially_returned"
	AllocationReturned          AllocationStatus = "returned"
)

// Allocation reserves stock against a job. UnitCostSnapshot is captured at
// pull time and never changes afterwards.
type Allocation struct {
	ID                string
	JobID             string
	ItemID            string
	QuantityAllocated int
	QuantityReturned  int
	UnitCostSnapshot  decimal.Decimal
	Status            AllocationStatus
	PullTransactionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a *Allocation) Outstanding() int {
	return a.QuantityAllocated - a.QuantityReturned
}

// ApplyReturn moves the allocation along
// active -> partially_returned -> returned. Returns never exceed the
// outstanding balance; excess is rejected rather than clamped.
func (a *Allocation) ApplyReturn(quantity int, at time.Time) error {
	if quantity <= 0 {
		return NewError(ErrValidation, "return quantity must be greater than 0")
	}
	if a.Status == AllocationReturned {
		return NewError(ErrOverReturn, "allocation %s is already fully returned", a.ID)
	}
	if quantity > a.Outstanding() {
		return NewError(ErrOverReturn, "return of %d exceeds outstanding balance %d on allocation %s",
			quantity, a.Outstanding(), a.ID)
	}

	a.QuantityReturned += quantity
	if a.QuantityReturned == a.QuantityAllocated {
		a.Status = AllocationReturned
	} else {
		a.Status = AllocationPartiallyReturned
	}
	a.UpdatedAt = at
	return nil
}

type AllocationFilter struct {
	JobID  string
	ItemID string
}
