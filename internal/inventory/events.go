package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LowStockCrossed is emitted once when an item's stock drops below its
// reorder level. It is not repeated while the item stays low.
type LowStockCrossed struct {
	ItemID       int64           `json:"item_id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Stock        decimal.Decimal `json:"stock"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
	StockUnit    string          `json:"stock_unit"`
	Ref          Reference       `json:"ref"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// EventPublisher delivers inventory events to the alerting collaborator.
type EventPublisher interface {
	PublishLowStock(ctx context.Context, evt LowStockCrossed) error
}

// CostListener is told when an item's unit cost changes so cached recipe
// costs can be invalidated.
type CostListener interface {
	ItemCostChanged(ctx context.Context, itemID int64) error
}
