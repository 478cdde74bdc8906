package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
)

// ItemKind distinguishes stocked materials.
type ItemKind string

const (
	// KindIngredient is a recipe raw material.
	KindIngredient ItemKind = "INGREDIENT"
	// KindPackaging is consumed once per packaged unit.
	KindPackaging ItemKind = "PACKAGING"
)

// Item is a stocked material.
type Item struct {
	ID                  int64           `json:"id"`
	Code                string          `json:"code"`
	Name                string          `json:"name"`
	Kind                ItemKind        `json:"kind"`
	StockUnit           costing.Unit    `json:"stock_unit"`
	PurchaseUnit        string          `json:"purchase_unit"`
	ConversionFactor    decimal.Decimal `json:"conversion_factor"`
	CurrentStock        decimal.Decimal `json:"current_stock"`
	CostPerPurchaseUnit decimal.Decimal `json:"cost_per_purchase_unit"`
	ReorderLevel        decimal.Decimal `json:"reorder_level"`
	LowStock            bool            `json:"low_stock"`
	Active              bool            `json:"active"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// CostPerStockUnit is the purchase cost spread over the conversion factor.
func (i Item) CostPerStockUnit() decimal.Decimal {
	if !i.ConversionFactor.IsPositive() {
		return i.CostPerPurchaseUnit
	}
	return i.CostPerPurchaseUnit.Div(i.ConversionFactor)
}

// Costing exposes the item in the shape used by recipe costing.
func (i Item) Costing() *costing.ItemCost {
	return &costing.ItemCost{ItemID: i.ID, StockUnit: i.StockUnit, CostPerStockUnit: i.CostPerStockUnit()}
}

// RefKind enumerates the sources of a stock movement.
type RefKind string

const (
	RefProduction      RefKind = "PRODUCTION"
	RefPurchase        RefKind = "PURCHASE"
	RefWastage         RefKind = "WASTAGE"
	RefWastageReversal RefKind = "WASTAGE_REVERSAL"
	RefAdjustment      RefKind = "ADJUSTMENT"
	RefBatchCorrection RefKind = "BATCH_CORRECTION"
)

// Reference identifies the business event behind a movement. One movement
// exists per (reference, item).
type Reference struct {
	Kind RefKind `json:"kind"`
	ID   int64   `json:"id"`
}

// ProductionRef references a production batch.
func ProductionRef(batchID int64) Reference { return Reference{Kind: RefProduction, ID: batchID} }

// PurchaseRef references a purchase receipt.
func PurchaseRef(receiptID int64) Reference { return Reference{Kind: RefPurchase, ID: receiptID} }

// WastageRef references a wastage record.
func WastageRef(wastageID int64) Reference { return Reference{Kind: RefWastage, ID: wastageID} }

// WastageReversalRef references the reversal of a wastage record.
func WastageReversalRef(wastageID int64) Reference {
	return Reference{Kind: RefWastageReversal, ID: wastageID}
}

// AdjustmentRef references a manual stock adjustment.
func AdjustmentRef(adjustmentID int64) Reference {
	return Reference{Kind: RefAdjustment, ID: adjustmentID}
}

// BatchCorrectionRef references a packaged-count correction of a batch.
func BatchCorrectionRef(correctionID int64) Reference {
	return Reference{Kind: RefBatchCorrection, ID: correctionID}
}

// Valid reports whether the reference is usable as an idempotency key.
func (r Reference) Valid() bool {
	switch r.Kind {
	case RefProduction, RefPurchase, RefWastage, RefWastageReversal, RefAdjustment, RefBatchCorrection:
		return r.ID > 0
	}
	return false
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Movement is an append-only record of one stock change.
type Movement struct {
	ID          int64           `json:"id"`
	ItemID      int64           `json:"item_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	StockBefore decimal.Decimal `json:"stock_before"`
	StockAfter  decimal.Decimal `json:"stock_after"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Ref         Reference       `json:"ref"`
	Note        string          `json:"note,omitempty"`
	ActorID     int64           `json:"actor_id"`
	CreatedAt   time.Time       `json:"created_at"`
	// Replayed is set when the movement already existed and stock was not
	// touched again.
	Replayed bool `json:"replayed,omitempty"`
}

// Line is one item quantity within a multi-item movement.
type Line struct {
	ItemID   int64
	Quantity decimal.Decimal
}

// MovementInput describes a single-item deduction or credit.
type MovementInput struct {
	ItemID        int64
	Quantity      decimal.Decimal
	Ref           Reference
	Note          string
	ActorID       int64
	AllowNegative bool
}

// BatchMovementInput deducts several items under one reference.
type BatchMovementInput struct {
	Ref           Reference
	Lines         []Line
	Note          string
	ActorID       int64
	AllowNegative bool
}

// PurchaseInput records goods received in purchase units.
type PurchaseInput struct {
	ItemID    int64
	ReceiptID int64
	Quantity  decimal.Decimal
	// UnitCost is the new cost per purchase unit; zero keeps the current cost.
	UnitCost decimal.Decimal
	Note     string
	ActorID  int64
}

// WastageInput records spoiled or lost stock in stock units.
type WastageInput struct {
	ItemID    int64
	WastageID int64
	Quantity  decimal.Decimal
	Reason    string
	ActorID   int64
}

// WastageResult is the outcome of RecordWastage.
type WastageResult struct {
	Movement         Movement        `json:"movement"`
	Cost             decimal.Decimal `json:"cost"`
	RequiresApproval bool            `json:"requires_approval"`
}

// AdjustmentInput posts a signed correction, typically after a stock take.
type AdjustmentInput struct {
	ItemID       int64
	AdjustmentID int64
	Delta        decimal.Decimal
	Note         string
	ActorID      int64
}

// MovementFilter narrows ListMovements.
type MovementFilter struct {
	ItemID int64
	Kind   RefKind
	From   time.Time
	To     time.Time
	Limit  int
}

// WastageApprovalThreshold is the wastage cost above which approval is needed.
var WastageApprovalThreshold = decimal.NewFromInt(500)

var (
	// ErrInsufficientStock is returned when a deduction would go below zero.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidReference indicates a missing or unknown movement reference.
	ErrInvalidReference = errors.New("inventory: invalid movement reference")
	// ErrInvalidItem indicates item master data failing validation.
	ErrInvalidItem = errors.New("inventory: invalid item")
	// ErrItemNotFound indicates an unknown item id.
	ErrItemNotFound = errors.New("inventory: item not found")
	// ErrMovementNotFound indicates no movement for a reference and item.
	ErrMovementNotFound = errors.New("inventory: movement not found")
	// ErrDuplicateMovement is raised by storage when the idempotency key
	// already exists.
	ErrDuplicateMovement = errors.New("inventory: duplicate movement")
)
