package costing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnresolvedIngredient is returned when a recipe line has no inventory item.
var ErrUnresolvedIngredient = errors.New("costing: ingredient not linked to inventory item")

// RecipeLine is one ingredient requirement of a recipe.
type RecipeLine struct {
	Ingredient string
	ItemID     int64
	Quantity   decimal.Decimal
	Unit       Unit
}

// ItemCost is the slice of an inventory item needed to cost a line.
type ItemCost struct {
	ItemID           int64
	StockUnit        Unit
	CostPerStockUnit decimal.Decimal
}

// LineCost is the costed form of a recipe line.
type LineCost struct {
	Ingredient    string          `json:"ingredient"`
	ItemID        int64           `json:"item_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          Unit            `json:"unit"`
	StockQuantity decimal.Decimal `json:"stock_quantity"`
	StockUnit     Unit            `json:"stock_unit"`
	Cost          decimal.Decimal `json:"cost"`
	// UnitMismatch is set when no conversion rule links Unit and StockUnit
	// and the quantity was taken as already being in stock units.
	UnitMismatch bool `json:"unit_mismatch,omitempty"`
}

// ResolveLine converts line into the item's stock unit and prices it.
func ResolveLine(line RecipeLine, item *ItemCost) (LineCost, error) {
	if item == nil || line.ItemID == 0 {
		return LineCost{}, fmt.Errorf("%w: %s", ErrUnresolvedIngredient, line.Ingredient)
	}
	qty, ok := Convert(line.Quantity, line.Unit, item.StockUnit)
	qty = RoundQty(qty)
	return LineCost{
		Ingredient:    line.Ingredient,
		ItemID:        item.ItemID,
		Quantity:      line.Quantity,
		Unit:          line.Unit,
		StockQuantity: qty,
		StockUnit:     item.StockUnit,
		Cost:          RoundMoney(qty.Mul(item.CostPerStockUnit)),
		UnitMismatch:  !ok,
	}, nil
}

// ResolveCost returns the monetary cost of line given its inventory item.
func ResolveCost(line RecipeLine, item *ItemCost) (decimal.Decimal, error) {
	lc, err := ResolveLine(line, item)
	if err != nil {
		return decimal.Zero, err
	}
	return lc.Cost, nil
}

// SumCosts totals the cost of resolved lines.
func SumCosts(lines []LineCost) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Cost)
	}
	return total
}
