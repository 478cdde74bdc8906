package costing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Unit is a measurement unit used by recipes and stock records.
type Unit string

const (
	Gram       Unit = "g"
	Kilogram   Unit = "kg"
	Millilitre Unit = "ml"
	Litre      Unit = "l"
	Piece      Unit = "pcs"
)

// ErrUnknownUnit indicates a unit outside the supported set.
var ErrUnknownUnit = errors.New("costing: unknown unit")

var unitAliases = map[string]Unit{
	"g":          Gram,
	"gram":       Gram,
	"grams":      Gram,
	"kg":         Kilogram,
	"kgs":        Kilogram,
	"kilogram":   Kilogram,
	"kilograms":  Kilogram,
	"ml":         Millilitre,
	"millilitre": Millilitre,
	"milliliter": Millilitre,
	"l":          Litre,
	"ltr":        Litre,
	"litre":      Litre,
	"liter":      Litre,
	"litres":     Litre,
	"liters":     Litre,
	"pcs":        Piece,
	"pc":         Piece,
	"piece":      Piece,
	"pieces":     Piece,
	"unit":       Piece,
	"units":      Piece,
}

// ParseUnit normalises s into a Unit.
func ParseUnit(s string) (Unit, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if u, ok := unitAliases[key]; ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

var thousand = decimal.NewFromInt(1000)

type unitPair struct{ from, to Unit }

var conversions = map[unitPair]func(decimal.Decimal) decimal.Decimal{
	{Gram, Kilogram}:    func(q decimal.Decimal) decimal.Decimal { return q.Div(thousand) },
	{Kilogram, Gram}:    func(q decimal.Decimal) decimal.Decimal { return q.Mul(thousand) },
	{Millilitre, Litre}: func(q decimal.Decimal) decimal.Decimal { return q.Div(thousand) },
	{Litre, Millilitre}: func(q decimal.Decimal) decimal.Decimal { return q.Mul(thousand) },
}

// Convert expresses qty given in from as a quantity in to. The second result
// is false when no rule links the two units; qty is then returned unchanged.
func Convert(qty decimal.Decimal, from, to Unit) (decimal.Decimal, bool) {
	if from == to {
		return qty, true
	}
	fn, ok := conversions[unitPair{from, to}]
	if !ok {
		return qty, false
	}
	return fn(qty), true
}
