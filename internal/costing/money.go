package costing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to minor currency units.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundQty rounds a stock quantity.
func RoundQty(d decimal.Decimal) decimal.Decimal {
	return d.Round(3)
}

// Percent returns part/whole*100 rounded to 2 places, or zero when whole is
// zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(2)
}
