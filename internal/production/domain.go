package production

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/shared"
)

// OverheadType enumerates the shared daily cost lines.
type OverheadType string

const (
	OverheadDiesel           OverheadType = "DIESEL"
	OverheadFirewood         OverheadType = "FIREWOOD"
	OverheadElectricity      OverheadType = "ELECTRICITY"
	OverheadFuelDistribution OverheadType = "FUEL_DISTRIBUTION"
	OverheadOther            OverheadType = "OTHER"
)

// Valid reports whether t is a known overhead type.
func (t OverheadType) Valid() bool {
	switch t {
	case OverheadDiesel, OverheadFirewood, OverheadElectricity, OverheadFuelDistribution, OverheadOther:
		return true
	}
	return false
}

// Day is one calendar day's production book.
type Day struct {
	ID            int64           `json:"id"`
	Date          time.Time       `json:"date"`
	Status        string          `json:"status"`
	TotalOverhead decimal.Decimal `json:"total_overhead"`
	Overheads     []OverheadLine  `json:"overheads"`
	Stock         []StockLine     `json:"stock"`
	ExpectedTotal int64           `json:"expected_total"`
	ActualTotal   int64           `json:"actual_total"`
	VariancePct   decimal.Decimal `json:"variance_pct"`
	HasVariance   bool            `json:"has_variance"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	ClosedBy      int64           `json:"closed_by,omitempty"`
	ReopenedAt    *time.Time      `json:"reopened_at,omitempty"`
	ReopenedBy    int64           `json:"reopened_by,omitempty"`
	ReopenReason  string          `json:"reopen_reason,omitempty"`
}

// IsClosed reports whether the day's books are closed.
func (d Day) IsClosed() bool {
	return d.Status == shared.DayStatusClosed
}

// StockLine holds one product's finished-goods flow for a day.
type StockLine struct {
	ProductID int64 `json:"product_id"`
	// OpeningSeed is entered by hand and only used when no earlier day has
	// been closed.
	OpeningSeed   int64  `json:"opening_seed"`
	Opening       int64  `json:"opening"`
	Produced      int64  `json:"produced"`
	Dispatched    int64  `json:"dispatched"`
	Returned      int64  `json:"returned"`
	PhysicalCount *int64 `json:"physical_count,omitempty"`
	Closing       int64  `json:"closing"`
}

// Counted returns the physically counted closing stock, or the computed one.
func (s StockLine) Counted() int64 {
	if s.PhysicalCount != nil {
		return *s.PhysicalCount
	}
	return s.Closing
}

// OverheadLine is one shared cost entry of a day.
type OverheadLine struct {
	Type        OverheadType    `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	ReceiptNo   string          `json:"receipt_no,omitempty"`
	Vendor      string          `json:"vendor,omitempty"`
	UpdatedBy   int64           `json:"updated_by"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Batch is one production run of a recipe on a day.
type Batch struct {
	ID         int64     `json:"id"`
	DayID      int64     `json:"day_id"`
	Date       time.Time `json:"date"`
	RecipeID   int64     `json:"recipe_id"`
	ProductID  int64     `json:"product_id"`
	SequenceNo int       `json:"sequence_no"`

	ActualOutput   int64 `json:"actual_output"`
	RejectCount    int64 `json:"reject_count"`
	ExpectedOutput int64 `json:"expected_output"`

	HasRejects        bool            `json:"has_rejects"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	PackagingUnitCost decimal.Decimal `json:"packaging_unit_cost"`

	costing.BatchFigures

	// InventoryPosted tags a batch whose ingredients were deducted, so
	// recomputation never posts them again.
	InventoryPosted bool      `json:"inventory_posted"`
	Finalized       bool      `json:"finalized"`
	Notes           string    `json:"notes,omitempty"`
	CreatedBy       int64     `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BatchCorrection records a change in a batch's packaged count after it was
// posted. Its id references the matching packaging movement.
type BatchCorrection struct {
	ID              int64     `json:"id"`
	BatchID         int64     `json:"batch_id"`
	PackagingItemID int64     `json:"packaging_item_id"`
	PackagedDelta   int64     `json:"packaged_delta"`
	CreatedBy       int64     `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// Packaged is the number of units that consumed packaging.
func (b Batch) Packaged() int64 {
	return b.ActualOutput + b.RejectCount
}

// ProducedUnits is the batch's contribution to finished-goods stock.
func (b Batch) ProducedUnits() int64 {
	if b.HasRejects {
		return b.ActualOutput + b.RejectCount
	}
	return b.ActualOutput
}

func (b Batch) costingInput() costing.BatchInput {
	return costing.BatchInput{
		ActualOutput:      b.ActualOutput,
		RejectCount:       b.RejectCount,
		ExpectedOutput:    b.ExpectedOutput,
		HasRejects:        b.HasRejects,
		IngredientCost:    b.IngredientCost,
		PackagingUnitCost: b.PackagingUnitCost,
		AllocatedOverhead: b.AllocatedOverhead,
		SellingPrice:      b.SellingPrice,
	}
}

// DaySummary is the read model of a day: the book, its batches and derived
// totals.
type DaySummary struct {
	Day
	Batches             []Batch         `json:"batches"`
	IngredientCost      decimal.Decimal `json:"ingredient_cost"`
	PackagingCost       decimal.Decimal `json:"packaging_cost"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	ExpectedRevenue     decimal.Decimal `json:"expected_revenue"`
	GrossProfit         decimal.Decimal `json:"gross_profit"`
	AllocatedOverhead   decimal.Decimal `json:"allocated_overhead"`
	UnallocatedOverhead decimal.Decimal `json:"unallocated_overhead"`
	AllocationBalanced  bool            `json:"allocation_balanced"`
}

// RecordBatchInput records a new batch.
type RecordBatchInput struct {
	Date         time.Time
	RecipeID     int64
	SequenceNo   int
	ActualOutput int64
	RejectCount  int64
	Notes        string
	ActorID      int64
}

// UpdateBatchInput changes an open batch. Nil fields are left unchanged.
type UpdateBatchInput struct {
	BatchID      int64
	ActualOutput *int64
	RejectCount  *int64
	Notes        *string
	ActorID      int64
}

// OverheadInput sets one overhead line of a day.
type OverheadInput struct {
	Date        time.Time
	Type        OverheadType
	Amount      decimal.Decimal
	Description string
	ReceiptNo   string
	Vendor      string
	ActorID     int64
}

// SalesInput carries dispatched and returned quantities from sales.
type SalesInput struct {
	Date       time.Time
	ProductID  int64
	Dispatched int64
	Returned   int64
	ActorID    int64
}

// StockCountInput records a counted quantity for a product on a day.
type StockCountInput struct {
	Date      time.Time
	ProductID int64
	Quantity  int64
	ActorID   int64
}

// CloseInput closes a day.
type CloseInput struct {
	Date    time.Time
	ActorID int64
	Force   bool
}

// CloseResult reports the outcome of CloseDay.
type CloseResult struct {
	Summary       DaySummary `json:"summary"`
	AlreadyClosed bool       `json:"already_closed"`
}

// ReopenInput reopens a closed day.
type ReopenInput struct {
	Date    time.Time
	ActorID int64
	Reason  string
}

var (
	// ErrInvalidBatch marks batch input failing validation.
	ErrInvalidBatch = costing.ErrInvalidBatch
	// ErrDayClosed is returned when mutating a closed day.
	ErrDayClosed = errors.New("production: day is closed")
	// ErrBatchLocked is returned when mutating a finalized batch.
	ErrBatchLocked = errors.New("production: batch is finalized")
	// ErrDayNotFound indicates no book exists for the date.
	ErrDayNotFound = errors.New("production: day not found")
	// ErrBatchNotFound indicates an unknown batch id.
	ErrBatchNotFound = errors.New("production: batch not found")
	// ErrDuplicateSequence is raised by storage for a repeated sequence number.
	ErrDuplicateSequence = errors.New("production: duplicate batch sequence")
	// ErrInvalidInput marks non-batch input failing validation.
	ErrInvalidInput = errors.New("production: invalid input")
	// ErrDayNotClosed is returned when reopening a day that is open.
	ErrDayNotClosed = errors.New("production: day is not closed")
)

func sortStock(lines []StockLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
}

func sortBatches(batches []Batch) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].SequenceNo < batches[j].SequenceNo })
}
