package costing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrAllocationInconsistency signals allocated shares that do not add up to
// the overhead pool.
var ErrAllocationInconsistency = errors.New("costing: overhead allocation does not reconcile")

// Share is one batch's claim on the day's overhead.
type Share struct {
	BatchID        int64
	SequenceNo     int
	IngredientCost decimal.Decimal
}

// Allocation is the overhead assigned to one batch.
type Allocation struct {
	BatchID    int64           `json:"batch_id"`
	SequenceNo int             `json:"sequence_no"`
	Amount     decimal.Decimal `json:"amount"`
}

// AllocateOverhead splits total across shares in proportion to ingredient
// cost. Each amount is truncated to 2 places, which leaves a residual of
// zero or more cents; it goes to the largest share, lowest sequence number
// winning ties, so the amounts add up to total exactly. With no ingredient cost on the day every batch gets 0.
func AllocateOverhead(total decimal.Decimal, shares []Share) ([]Allocation, error) {
	total = RoundMoney(total)
	if total.IsNegative() {
		return nil, fmt.Errorf("%w: negative overhead %s", ErrAllocationInconsistency, total)
	}
	out := make([]Allocation, len(shares))
	base := decimal.Zero
	largest := -1
	for i, s := range shares {
		out[i] = Allocation{BatchID: s.BatchID, SequenceNo: s.SequenceNo, Amount: decimal.Zero}
		if s.IngredientCost.IsNegative() {
			return nil, fmt.Errorf("%w: batch %d has negative ingredient cost", ErrAllocationInconsistency, s.BatchID)
		}
		base = base.Add(s.IngredientCost)
		if largest < 0 || s.IngredientCost.GreaterThan(shares[largest].IngredientCost) ||
			(s.IngredientCost.Equal(shares[largest].IngredientCost) && s.SequenceNo < shares[largest].SequenceNo) {
			largest = i
		}
	}
	if !base.IsPositive() || total.IsZero() {
		return out, nil
	}

	sum := decimal.Zero
	for i, s := range shares {
		cents, _ := s.IngredientCost.Mul(total).Shift(2).QuoRem(base, 0)
		amt := cents.Shift(-2)
		out[i].Amount = amt
		sum = sum.Add(amt)
	}
	if residual := total.Sub(sum); !residual.IsZero() {
		out[largest].Amount = out[largest].Amount.Add(residual)
	}
	if err := CheckAllocation(total, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckAllocation asserts that allocations add up to total.
func CheckAllocation(total decimal.Decimal, allocs []Allocation) error {
	sum := decimal.Zero
	for _, a := range allocs {
		if a.Amount.IsNegative() {
			return fmt.Errorf("%w: batch %d allocated %s", ErrAllocationInconsistency, a.BatchID, a.Amount)
		}
		sum = sum.Add(a.Amount)
	}
	if !sum.Equal(RoundMoney(total)) {
		return fmt.Errorf("%w: allocated %s of %s", ErrAllocationInconsistency, sum, RoundMoney(total))
	}
	return nil
}
