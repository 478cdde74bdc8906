package costing

import "github.com/shopspring/decimal"

// DefaultReconciliationThreshold is the variance percentage above which a day
// is flagged.
var DefaultReconciliationThreshold = decimal.NewFromInt(5)

// Reconciliation compares expected stock flow against what was accounted for.
type Reconciliation struct {
	Expected    int64           `json:"expected"`
	Actual      int64           `json:"actual"`
	VariancePct decimal.Decimal `json:"variance_pct"`
	HasVariance bool            `json:"has_variance"`
}

// ClosingStock applies opening + produced - dispatched + returned.
func ClosingStock(opening, produced, dispatched, returned int64) int64 {
	return opening + produced - dispatched + returned
}

// ReconciliationVariance computes |expected-actual|/expected*100 and flags it
// when it exceeds threshold. With nothing expected any accounted stock is a
// full variance.
func ReconciliationVariance(expected, actual int64, threshold decimal.Decimal) Reconciliation {
	r := Reconciliation{Expected: expected, Actual: actual}
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}
	switch {
	case expected > 0:
		r.VariancePct = Percent(decimal.NewFromInt(diff), decimal.NewFromInt(expected))
	case diff != 0:
		r.VariancePct = hundred
	default:
		r.VariancePct = decimal.Zero
	}
	r.HasVariance = r.VariancePct.GreaterThan(threshold)
	return r
}
