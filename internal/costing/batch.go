package costing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidBatch marks batch input that fails validation.
var ErrInvalidBatch = errors.New("costing: invalid batch")

// BatchInput carries everything needed to cost one production batch.
type BatchInput struct {
	ActualOutput      int64
	RejectCount       int64
	ExpectedOutput    int64
	HasRejects        bool
	IngredientCost    decimal.Decimal
	PackagingUnitCost decimal.Decimal
	AllocatedOverhead decimal.Decimal
	SellingPrice      decimal.Decimal
}

// BatchFigures are the derived cost and profit values of a batch.
type BatchFigures struct {
	IngredientCost    decimal.Decimal `json:"ingredient_cost"`
	PackagingCost     decimal.Decimal `json:"packaging_cost"`
	AllocatedOverhead decimal.Decimal `json:"allocated_overhead"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	CostPerUnit       decimal.Decimal `json:"cost_per_unit"`
	VarianceUnits     int64           `json:"variance_units"`
	VariancePct       decimal.Decimal `json:"variance_pct"`
	ExpectedRevenue   decimal.Decimal `json:"expected_revenue"`
	GrossProfit       decimal.Decimal `json:"gross_profit"`
	MarginPct         decimal.Decimal `json:"margin_pct"`
}

// ValidateBatch checks output and reject counts.
func ValidateBatch(actualOutput, rejectCount int64, hasRejects bool) error {
	if actualOutput <= 0 {
		return fmt.Errorf("%w: actual output must be positive", ErrInvalidBatch)
	}
	if rejectCount < 0 {
		return fmt.Errorf("%w: reject count must not be negative", ErrInvalidBatch)
	}
	if rejectCount > 0 && !hasRejects {
		return fmt.Errorf("%w: product does not record rejects", ErrInvalidBatch)
	}
	return nil
}

// CalculateBatch derives packaging, total cost, unit cost, output variance and
// profit for a batch. Rejects consume packaging.
func CalculateBatch(in BatchInput) (BatchFigures, error) {
	if err := ValidateBatch(in.ActualOutput, in.RejectCount, in.HasRejects); err != nil {
		return BatchFigures{}, err
	}
	actual := decimal.NewFromInt(in.ActualOutput)
	packaged := decimal.NewFromInt(in.ActualOutput + in.RejectCount)

	f := BatchFigures{
		IngredientCost:    RoundMoney(in.IngredientCost),
		PackagingCost:     RoundMoney(packaged.Mul(in.PackagingUnitCost)),
		AllocatedOverhead: RoundMoney(in.AllocatedOverhead),
	}
	f.TotalCost = f.IngredientCost.Add(f.PackagingCost).Add(f.AllocatedOverhead)
	f.CostPerUnit = RoundMoney(f.TotalCost.Div(actual))

	f.VarianceUnits = in.ActualOutput - in.ExpectedOutput
	if in.ExpectedOutput > 0 {
		f.VariancePct = Percent(decimal.NewFromInt(f.VarianceUnits), decimal.NewFromInt(in.ExpectedOutput))
	}

	f.ExpectedRevenue = RoundMoney(actual.Mul(in.SellingPrice))
	f.GrossProfit = f.ExpectedRevenue.Sub(f.TotalCost)
	if f.ExpectedRevenue.IsPositive() {
		f.MarginPct = Percent(f.GrossProfit, f.ExpectedRevenue)
	}
	return f, nil
}
