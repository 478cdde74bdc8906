package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/bakehouse/books/internal/catalog"
	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
)

// DefaultPackagingUnitCost is charged per packaged unit when not configured.
var DefaultPackagingUnitCost = decimal.RequireFromString("3.30")

// RepositoryPort abstracts production persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDay(ctx context.Context, date time.Time) (Day, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context, dayID int64) ([]Batch, error)
	LatestClosedBefore(ctx context.Context, date time.Time) (Day, error)
}

// CatalogPort resolves recipes and products.
type CatalogPort interface {
	RecipeCost(ctx context.Context, recipeID int64) (catalog.RecipeCosting, error)
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
}

// InventoryPort posts ingredient and packaging consumption.
type InventoryPort interface {
	DeductMany(ctx context.Context, in inventory.BatchMovementInput) ([]inventory.Movement, error)
	Deduct(ctx context.Context, in inventory.MovementInput) (inventory.Movement, error)
	Credit(ctx context.Context, in inventory.MovementInput) (inventory.Movement, error)
}

// Locker serialises writers of one day across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups tunables.
type ServiceConfig struct {
	PackagingUnitCost          decimal.Decimal
	ReconciliationThresholdPct decimal.Decimal
}

// Service runs the daily production book: batches, overhead allocation,
// stock flow and closing.
type Service struct {
	repo      RepositoryPort
	catalog   CatalogPort
	inventory InventoryPort
	locker    Locker
	audit     AuditPort
	publisher EventPublisher
	cfg       ServiceConfig
	logger    *slog.Logger
	now       func() time.Time
	openings  singleflight.Group
}

// NewService builds Service. locker and audit may be nil.
func NewService(repo RepositoryPort, cat CatalogPort, inv InventoryPort, locker Locker, audit AuditPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PackagingUnitCost.IsNegative() || cfg.PackagingUnitCost.IsZero() {
		cfg.PackagingUnitCost = DefaultPackagingUnitCost
	}
	if !cfg.ReconciliationThresholdPct.IsPositive() {
		cfg.ReconciliationThresholdPct = costing.DefaultReconciliationThreshold
	}
	return &Service{
		repo:      repo,
		catalog:   cat,
		inventory: inv,
		locker:    locker,
		audit:     audit,
		cfg:       cfg,
		logger:    logger.With(slog.String("module", "production")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sets the reconciliation event publisher.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// RecordBatch records a production run, deducts its ingredients and
// packaging, and reallocates the day's overhead. Validation happens before
// any stock moves; everything after runs in one transaction.
func (s *Service) RecordBatch(ctx context.Context, in RecordBatchInput) (Batch, error) {
	switch {
	case in.ActorID <= 0:
		return Batch{}, shared.ErrActorRequired
	case in.Date.IsZero():
		return Batch{}, fmt.Errorf("%w: date required", ErrInvalidBatch)
	case in.RecipeID <= 0:
		return Batch{}, fmt.Errorf("%w: recipe required", ErrInvalidBatch)
	case in.SequenceNo <= 0:
		return Batch{}, fmt.Errorf("%w: sequence number must be positive", ErrInvalidBatch)
	}
	costed, err := s.catalog.RecipeCost(ctx, in.RecipeID)
	if err != nil {
		return Batch{}, err
	}
	product, err := s.catalog.GetProduct(ctx, costed.ProductID)
	if err != nil {
		return Batch{}, err
	}
	if err := costing.ValidateBatch(in.ActualOutput, in.RejectCount, product.HasRejects); err != nil {
		return Batch{}, err
	}
	lines := consumption(costed, product, in.ActualOutput+in.RejectCount)

	var out Batch
	err = s.withDay(ctx, in.Date, true, func(ctx context.Context, tx TxRepository, day *Day) error {
		if day.IsClosed() {
			return ErrDayClosed
		}
		batches, err := tx.ListBatches(ctx, day.ID)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.SequenceNo == in.SequenceNo {
				return fmt.Errorf("%w: sequence %d already recorded on %s", ErrInvalidBatch, in.SequenceNo, day.Date.Format(shared.DateLayout))
			}
		}
		now := s.now()
		b := Batch{
			DayID:             day.ID,
			Date:              day.Date,
			RecipeID:          costed.RecipeID,
			ProductID:         product.ID,
			SequenceNo:        in.SequenceNo,
			ActualOutput:      in.ActualOutput,
			RejectCount:       in.RejectCount,
			ExpectedOutput:    costed.ExpectedOutput,
			HasRejects:        product.HasRejects,
			SellingPrice:      product.SellingPrice,
			PackagingUnitCost: s.cfg.PackagingUnitCost,
			Notes:             strings.TrimSpace(in.Notes),
			CreatedBy:         in.ActorID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		b.IngredientCost = costed.IngredientCost
		figures, err := costing.CalculateBatch(b.costingInput())
		if err != nil {
			return err
		}
		b.BatchFigures = figures

		created, err := tx.InsertBatch(ctx, b)
		if err != nil {
			if errors.Is(err, ErrDuplicateSequence) {
				return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
			}
			return err
		}
		if _, err := s.inventory.DeductMany(ctx, inventory.BatchMovementInput{
			Ref:     inventory.ProductionRef(created.ID),
			Lines:   lines,
			Note:    fmt.Sprintf("batch %d of %s", created.SequenceNo, day.Date.Format(shared.DateLayout)),
			ActorID: in.ActorID,
		}); err != nil {
			return err
		}
		created.InventoryPosted = true

		batches, err = s.rebalance(ctx, tx, day, append(batches, created))
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.ID == created.ID {
				out = b
			}
		}
		return s.recordTx(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "production:batch_record",
			Entity:   "production_batch",
			EntityID: strconv.FormatInt(created.ID, 10),
			Meta: map[string]any{
				"date":            day.Date.Format(shared.DateLayout),
				"recipe_id":       created.RecipeID,
				"sequence_no":     created.SequenceNo,
				"actual_output":   created.ActualOutput,
				"reject_count":    created.RejectCount,
				"ingredient_cost": created.IngredientCost.String(),
			},
			At: now,
		})
	})
	if err != nil {
		return Batch{}, err
	}
	return out, nil
}

// consumption lists the stock a batch consumes: recipe ingredients in stock
// units plus one packaging unit per packaged item.
func consumption(costed catalog.RecipeCosting, product catalog.Product, packaged int64) []inventory.Line {
	lines := make([]inventory.Line, 0, len(costed.Lines)+1)
	for _, l := range costed.Lines {
		if l.ItemID <= 0 || !l.StockQuantity.IsPositive() {
			continue
		}
		lines = append(lines, inventory.Line{ItemID: l.ItemID, Quantity: l.StockQuantity})
	}
	if product.PackagingItemID > 0 && packaged > 0 {
		lines = append(lines, inventory.Line{ItemID: product.PackagingItemID, Quantity: decimal.NewFromInt(packaged)})
	}
	return lines
}

// UpdateBatch corrects output, rejects or notes of an open batch. Ingredients
// are not posted again; a change in the packaged count moves packaging stock
// by the difference under a batch correction reference.
func (s *Service) UpdateBatch(ctx context.Context, in UpdateBatchInput) (Batch, error) {
	if in.ActorID <= 0 {
		return Batch{}, shared.ErrActorRequired
	}
	existing, err := s.repo.GetBatch(ctx, in.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if existing.Finalized {
		return Batch{}, ErrBatchLocked
	}

	var out Batch
	err = s.withDay(ctx, existing.Date, false, func(ctx context.Context, tx TxRepository, day *Day) error {
		batches, err := tx.ListBatches(ctx, day.ID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range batches {
			if batches[i].ID == in.BatchID {
				idx = i
			}
		}
		if idx < 0 {
			return ErrBatchNotFound
		}
		b := &batches[idx]
		if b.Finalized {
			return ErrBatchLocked
		}
		if day.IsClosed() {
			return ErrDayClosed
		}
		before := map[string]any{"actual_output": b.ActualOutput, "reject_count": b.RejectCount}
		packagedBefore := b.Packaged()
		if in.ActualOutput != nil {
			b.ActualOutput = *in.ActualOutput
		}
		if in.RejectCount != nil {
			b.RejectCount = *in.RejectCount
		}
		if in.Notes != nil {
			b.Notes = strings.TrimSpace(*in.Notes)
		}
		if err := costing.ValidateBatch(b.ActualOutput, b.RejectCount, b.HasRejects); err != nil {
			return err
		}
		b.UpdatedAt = s.now()
		if err := s.correctPackaging(ctx, tx, *b, b.Packaged()-packagedBefore, in.ActorID); err != nil {
			return err
		}

		batches, err = s.rebalance(ctx, tx, day, batches)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.ID == in.BatchID {
				out = b
			}
		}
		return s.recordTx(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "production:batch_update",
			Entity:   "production_batch",
			EntityID: strconv.FormatInt(out.ID, 10),
			Meta: map[string]any{
				"before": before,
				"after":  map[string]any{"actual_output": out.ActualOutput, "reject_count": out.RejectCount},
			},
			At: out.UpdatedAt,
		})
	})
	if err != nil {
		return Batch{}, err
	}
	return out, nil
}

// correctPackaging posts delta packaged units against the product's
// packaging item: a deduction when the count grew, a credit when it shrank.
func (s *Service) correctPackaging(ctx context.Context, tx TxRepository, b Batch, delta, actorID int64) error {
	if delta == 0 || !b.InventoryPosted {
		return nil
	}
	product, err := s.catalog.GetProduct(ctx, b.ProductID)
	if err != nil {
		return err
	}
	if product.PackagingItemID <= 0 {
		return nil
	}
	c, err := tx.InsertCorrection(ctx, BatchCorrection{
		BatchID:         b.ID,
		PackagingItemID: product.PackagingItemID,
		PackagedDelta:   delta,
		CreatedBy:       actorID,
		CreatedAt:       b.UpdatedAt,
	})
	if err != nil {
		return err
	}
	mv := inventory.MovementInput{
		ItemID:  product.PackagingItemID,
		Ref:     inventory.BatchCorrectionRef(c.ID),
		Note:    fmt.Sprintf("batch %d packaged %+d", b.SequenceNo, delta),
		ActorID: actorID,
	}
	if delta > 0 {
		mv.Quantity = decimal.NewFromInt(delta)
		_, err = s.inventory.Deduct(ctx, mv)
	} else {
		mv.Quantity = decimal.NewFromInt(-delta)
		_, err = s.inventory.Credit(ctx, mv)
	}
	return err
}

// SetOverheadLine upserts one overhead line and reallocates the day.
func (s *Service) SetOverheadLine(ctx context.Context, in OverheadInput) (DaySummary, error) {
	switch {
	case in.ActorID <= 0:
		return DaySummary{}, shared.ErrActorRequired
	case in.Date.IsZero():
		return DaySummary{}, fmt.Errorf("%w: date required", ErrInvalidInput)
	case !in.Type.Valid():
		return DaySummary{}, fmt.Errorf("%w: unknown overhead type %q", ErrInvalidInput, in.Type)
	case in.Amount.IsNegative():
		return DaySummary{}, fmt.Errorf("%w: overhead amount must be >= 0", ErrInvalidInput)
	}
	line := OverheadLine{
		Type:        in.Type,
		Amount:      costing.RoundMoney(in.Amount),
		Description: strings.TrimSpace(in.Description),
		ReceiptNo:   strings.TrimSpace(in.ReceiptNo),
		Vendor:      strings.TrimSpace(in.Vendor),
		UpdatedBy:   in.ActorID,
		UpdatedAt:   s.now(),
	}

	var out DaySummary
	err := s.withDay(ctx, in.Date, true, func(ctx context.Context, tx TxRepository, day *Day) error {
		if day.IsClosed() {
			return ErrDayClosed
		}
		if err := tx.SaveOverhead(ctx, day.ID, line); err != nil {
			return err
		}
		replaced := false
		for i := range day.Overheads {
			if day.Overheads[i].Type == line.Type {
				day.Overheads[i] = line
				replaced = true
			}
		}
		if !replaced {
			day.Overheads = append(day.Overheads, line)
		}
		batches, err := tx.ListBatches(ctx, day.ID)
		if err != nil {
			return err
		}
		if batches, err = s.rebalance(ctx, tx, day, batches); err != nil {
			return err
		}
		out = summarize(*day, batches)
		return s.recordTx(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "production:overhead_set",
			Entity:   "production_day",
			EntityID: strconv.FormatInt(day.ID, 10),
			Meta: map[string]any{
				"type":           string(line.Type),
				"amount":         line.Amount.String(),
				"total_overhead": day.TotalOverhead.String(),
			},
			At: line.UpdatedAt,
		})
	})
	if err != nil {
		return DaySummary{}, err
	}
	return out, nil
}

// RecordSales stores dispatched and returned quantities for a product. The
// values replace earlier ones for the same day.
func (s *Service) RecordSales(ctx context.Context, in SalesInput) (DaySummary, error) {
	switch {
	case in.ActorID <= 0:
		return DaySummary{}, shared.ErrActorRequired
	case in.Date.IsZero() || in.ProductID <= 0:
		return DaySummary{}, fmt.Errorf("%w: date and product required", ErrInvalidInput)
	case in.Dispatched < 0 || in.Returned < 0:
		return DaySummary{}, fmt.Errorf("%w: dispatched and returned must be >= 0", ErrInvalidInput)
	}
	return s.updateStock(ctx, in.Date, in.ProductID, in.ActorID, "production:sales_record", func(line *StockLine) {
		line.Dispatched = in.Dispatched
		line.Returned = in.Returned
	})
}

// RecordPhysicalCount stores the counted closing stock of a product, used by
// reconciliation instead of the computed closing.
func (s *Service) RecordPhysicalCount(ctx context.Context, in StockCountInput) (DaySummary, error) {
	switch {
	case in.ActorID <= 0:
		return DaySummary{}, shared.ErrActorRequired
	case in.Date.IsZero() || in.ProductID <= 0:
		return DaySummary{}, fmt.Errorf("%w: date and product required", ErrInvalidInput)
	case in.Quantity < 0:
		return DaySummary{}, fmt.Errorf("%w: counted quantity must be >= 0", ErrInvalidInput)
	}
	qty := in.Quantity
	return s.updateStock(ctx, in.Date, in.ProductID, in.ActorID, "production:physical_count", func(line *StockLine) {
		line.PhysicalCount = &qty
	})
}

// SetOpeningSeed stores the opening stock used when no earlier day has been
// closed, typically when the books are first started.
func (s *Service) SetOpeningSeed(ctx context.Context, in StockCountInput) (DaySummary, error) {
	switch {
	case in.ActorID <= 0:
		return DaySummary{}, shared.ErrActorRequired
	case in.Date.IsZero() || in.ProductID <= 0:
		return DaySummary{}, fmt.Errorf("%w: date and product required", ErrInvalidInput)
	case in.Quantity < 0:
		return DaySummary{}, fmt.Errorf("%w: opening stock must be >= 0", ErrInvalidInput)
	}
	return s.updateStock(ctx, in.Date, in.ProductID, in.ActorID, "production:opening_seed", func(line *StockLine) {
		line.OpeningSeed = in.Quantity
	})
}

func (s *Service) updateStock(ctx context.Context, date time.Time, productID, actorID int64, action string, apply func(*StockLine)) (DaySummary, error) {
	if _, err := s.catalog.GetProduct(ctx, productID); err != nil {
		return DaySummary{}, err
	}
	var out DaySummary
	err := s.withDay(ctx, date, true, func(ctx context.Context, tx TxRepository, day *Day) error {
		if day.IsClosed() {
			return ErrDayClosed
		}
		line := day.stockLine(productID)
		apply(line)
		meta := map[string]any{
			"product_id":   productID,
			"opening_seed": line.OpeningSeed,
			"dispatched":   line.Dispatched,
			"returned":     line.Returned,
		}
		if line.PhysicalCount != nil {
			meta["physical_count"] = *line.PhysicalCount
		}
		batches, err := tx.ListBatches(ctx, day.ID)
		if err != nil {
			return err
		}
		if batches, err = s.rebalance(ctx, tx, day, batches); err != nil {
			return err
		}
		out = summarize(*day, batches)
		return s.recordTx(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "production_day",
			EntityID: strconv.FormatInt(day.ID, 10),
			Meta:     meta,
			At:       s.now(),
		})
	})
	if err != nil {
		return DaySummary{}, err
	}
	return out, nil
}

// CloseDay closes a day's books: batches are reallocated and finalized,
// closing stock is fixed and the stock flow reconciled. Closing a closed day
// is a no-op unless forced, in which case figures are recomputed in place.
func (s *Service) CloseDay(ctx context.Context, in CloseInput) (CloseResult, error) {
	if in.ActorID <= 0 {
		return CloseResult{}, shared.ErrActorRequired
	}
	if in.Date.IsZero() {
		return CloseResult{}, fmt.Errorf("%w: date required", ErrInvalidInput)
	}
	var out CloseResult
	err := s.withDay(ctx, in.Date, true, func(ctx context.Context, tx TxRepository, day *Day) error {
		batches, err := tx.ListBatches(ctx, day.ID)
		if err != nil {
			return err
		}
		if day.IsClosed() && !in.Force {
			out = CloseResult{Summary: summarize(*day, batches), AlreadyClosed: true}
			return nil
		}
		if err := shared.ValidateDayTransition(day.Status, shared.DayStatusClosed, in.Force); err != nil {
			return err
		}
		if batches, err = s.rebalance(ctx, tx, day, batches); err != nil {
			return err
		}
		for i := range batches {
			batches[i].Finalized = true
		}
		if err := tx.SetBatchesFinalized(ctx, day.ID, true); err != nil {
			return err
		}

		recon := reconcile(day.Stock, s.cfg.ReconciliationThresholdPct)
		now := s.now()
		day.Status = shared.DayStatusClosed
		day.ClosedAt = &now
		day.ClosedBy = in.ActorID
		day.ExpectedTotal = recon.Expected
		day.ActualTotal = recon.Actual
		day.VariancePct = recon.VariancePct
		day.HasVariance = recon.HasVariance
		if err := tx.UpdateDay(ctx, *day); err != nil {
			return err
		}
		if err := s.recordTx(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "production:day_close",
			Entity:   "production_day",
			EntityID: strconv.FormatInt(day.ID, 10),
			Meta: map[string]any{
				"date":         day.Date.Format(shared.DateLayout),
				"force":        in.Force,
				"batches":      len(batches),
				"variance_pct": recon.VariancePct.String(),
				"has_variance": recon.HasVariance,
			},
			At: now,
		}); err != nil {
			return err
		}
		if recon.HasVariance && s.publisher != nil {
			evt := ReconciliationVarianceExceeded{
				Date:        day.Date,
				Expected:    recon.Expected,
				Actual:      recon.Actual,
				VariancePct: recon.VariancePct,
				Threshold:   s.cfg.ReconciliationThresholdPct,
				ClosedBy:    in.ActorID,
				OccurredAt:  now,
			}
			db.DeferUntilCommit(ctx, func() {
				if err := s.publisher.PublishReconciliationVariance(context.WithoutCancel(ctx), evt); err != nil {
					s.logger.Error("publish reconciliation variance", slog.String("date", evt.Date.Format(shared.DateLayout)), slog.Any("error", err))
				}
			})
		}
		out = CloseResult{Summary: summarize(*day, batches)}
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}
	if !out.AlreadyClosed {
		s.logger.Info("day closed",
			slog.String("date", out.Summary.Date.Format(shared.DateLayout)),
			slog.Int("batches", len(out.Summary.Batches)),
			slog.Bool("has_variance", out.Summary.HasVariance))
	}
	return out, nil
}

// ReopenDay reopens a closed day under the privileged override. A reason is
// mandatory and recorded.
func (s *Service) ReopenDay(ctx context.Context, in ReopenInput) (DaySummary, error) {
	reason := strings.TrimSpace(in.Reason)
	switch {
	case in.ActorID <= 0:
		return DaySummary{}, shared.ErrActorRequired
	case in.Date.IsZero():
		return DaySummary{}, fmt.Errorf("%w: date required", ErrInvalidInput)
	case reason == "":
		return DaySummary{}, fmt.Errorf("%w: reopen reason required", ErrInvalidInput)
	}
	var out DaySummary
	err := s.withDay(ctx, in.Date, false, func(ctx context.Context, tx TxRepository, day *Day) error {
		if !day.IsClosed() {
			return ErrDayNotClosed
		}
		if err := shared.ValidateDayTransition(day.Status, shared.DayStatusOpen, true); err != nil {
			return err
		}
		if err := tx.SetBatchesFinalized(ctx, day.ID, false); err != nil {
			return err
		}
		now := s.now()
		closedAt, closedBy := day.ClosedAt, day.ClosedBy
		day.Status = shared.DayStatusOpen
		day.ClosedAt = nil
		day.ClosedBy = 0
		day.ReopenedAt = &now
		day.ReopenedBy = in.ActorID
		day.ReopenReason = reason
		if err := tx.UpdateDay(ctx, *day); err != nil {
			return err
		}
		batches, err := tx.ListBatches(ctx, day.ID)
		if err != nil {
			return err
		}
		out = summarize(*day, batches)
		meta := map[string]any{
			"date":      day.Date.Format(shared.DateLayout),
			"reason":    reason,
			"closed_by": closedBy,
		}
		if closedAt != nil {
			meta["closed_at"] = closedAt.Format(time.RFC3339)
		}
		return s.recordTx(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "production:day_reopen",
			Entity:   "production_day",
			EntityID: strconv.FormatInt(day.ID, 10),
			Meta:     meta,
			At:       now,
		})
	})
	if err != nil {
		return DaySummary{}, err
	}
	s.logger.Warn("day reopened",
		slog.String("date", out.Date.Format(shared.DateLayout)),
		slog.Int64("actor_id", in.ActorID),
		slog.String("reason", reason))
	return out, nil
}

// GetDay returns the book of date. Open days get their opening stock from
// the latest earlier closed day at read time.
func (s *Service) GetDay(ctx context.Context, date time.Time) (DaySummary, error) {
	if date.IsZero() {
		return DaySummary{}, fmt.Errorf("%w: date required", ErrInvalidInput)
	}
	day, err := s.repo.GetDay(ctx, shared.TruncateDay(date))
	if err != nil {
		return DaySummary{}, err
	}
	batches, err := s.repo.ListBatches(ctx, day.ID)
	if err != nil {
		return DaySummary{}, err
	}
	if !day.IsClosed() {
		prior, err := s.priorClosed(ctx, day.Date)
		if err != nil {
			return DaySummary{}, err
		}
		applyOpening(&day, prior)
	}
	return summarize(day, batches), nil
}

// priorClosed loads the latest closed day before date, nil when there is
// none. Concurrent readers of the same date share one lookup, which is
// detached from any single caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (s *Service) priorClosed(ctx context.Context, date time.Time) (*Day, error) {
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.openings.DoChan(date.Format(shared.DateLayout), func() (any, error) {
		prior, err := s.repo.LatestClosedBefore(lookupCtx, date)
		if errors.Is(err, ErrDayNotFound) {
			return (*Day)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return &prior, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Day), nil
	}
}

// withDay serialises fn against other writers of the same day: a redis lock
// across processes, then the day row locked inside the transaction.
func (s *Service) withDay(ctx context.Context, date time.Time, create bool, fn func(context.Context, TxRepository, *Day) error) error {
	date = shared.TruncateDay(date)
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.DayLockKey(date))
		if err != nil {
			return err
		}
		defer release()
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if create {
			if err := tx.EnsureDay(ctx, date); err != nil {
				return err
			}
		}
		day, err := tx.GetDayForUpdate(ctx, date)
		if err != nil {
			return err
		}
		return fn(ctx, tx, &day)
	})
}

// rebalance reallocates overhead across batches, recomputes every batch's
// figures and the day's produced and closing stock, and persists all of it.
func (s *Service) rebalance(ctx context.Context, tx TxRepository, day *Day, batches []Batch) ([]Batch, error) {
	sortBatches(batches)
	day.TotalOverhead = decimal.Zero
	for _, l := range day.Overheads {
		day.TotalOverhead = day.TotalOverhead.Add(l.Amount)
	}
	day.TotalOverhead = costing.RoundMoney(day.TotalOverhead)

	shares := make([]costing.Share, len(batches))
	for i, b := range batches {
		shares[i] = costing.Share{BatchID: b.ID, SequenceNo: b.SequenceNo, IngredientCost: b.IngredientCost}
	}
	allocs, err := costing.AllocateOverhead(day.TotalOverhead, shares)
	if err != nil {
		return nil, err
	}
	produced := make(map[int64]int64, len(batches))
	for i := range batches {
		b := &batches[i]
		b.AllocatedOverhead = allocs[i].Amount
		figures, err := costing.CalculateBatch(b.costingInput())
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.SequenceNo, err)
		}
		b.BatchFigures = figures
		if err := tx.UpdateBatch(ctx, *b); err != nil {
			return nil, err
		}
		produced[b.ProductID] += b.ProducedUnits()
	}

	for pid := range produced {
		day.stockLine(pid)
	}
	for i := range day.Stock {
		day.Stock[i].Produced = produced[day.Stock[i].ProductID]
	}
	if !day.IsClosed() {
		prior, err := tx.LatestClosedBefore(ctx, day.Date)
		switch {
		case errors.Is(err, ErrDayNotFound):
			applyOpening(day, nil)
		case err != nil:
			return nil, err
		default:
			applyOpening(day, &prior)
		}
	} else {
		applyClosing(day)
	}
	if err := tx.SaveStock(ctx, day.ID, day.Stock); err != nil {
		return nil, err
	}
	if err := tx.UpdateDay(ctx, *day); err != nil {
		return nil, err
	}
	return batches, nil
}

// applyOpening sets each product's opening stock to prior's closing stock,
// or to the stored seed when no earlier day has been closed, and recomputes
// closing stock.
func applyOpening(day *Day, prior *Day) {
	if prior != nil {
		carried := make(map[int64]int64, len(prior.Stock))
		for _, l := range prior.Stock {
			carried[l.ProductID] = l.Closing
			if l.Closing != 0 {
				day.stockLine(l.ProductID)
			}
		}
		for i := range day.Stock {
			day.Stock[i].Opening = carried[day.Stock[i].ProductID]
		}
	} else {
		for i := range day.Stock {
			day.Stock[i].Opening = day.Stock[i].OpeningSeed
		}
	}
	applyClosing(day)
}

func applyClosing(day *Day) {
	for i := range day.Stock {
		l := &day.Stock[i]
		l.Closing = costing.ClosingStock(l.Opening, l.Produced, l.Dispatched, l.Returned)
	}
	sortStock(day.Stock)
}

// stockLine returns the line of productID, adding an empty one if needed.
func (d *Day) stockLine(productID int64) *StockLine {
	for i := range d.Stock {
		if d.Stock[i].ProductID == productID {
			return &d.Stock[i]
		}
	}
	d.Stock = append(d.Stock, StockLine{ProductID: productID})
	return &d.Stock[len(d.Stock)-1]
}

// reconcile compares opening plus produced against what left or remained:
// dispatched minus returned plus the counted (or computed) closing stock.
func reconcile(lines []StockLine, threshold decimal.Decimal) costing.Reconciliation {
	var expected, actual int64
	for _, l := range lines {
		expected += l.Opening + l.Produced
		actual += l.Dispatched - l.Returned + l.Counted()
	}
	return costing.ReconciliationVariance(expected, actual, threshold)
}

func summarize(day Day, batches []Batch) DaySummary {
	sortBatches(batches)
	sum := DaySummary{
		Day:             day,
		Batches:         batches,
		IngredientCost:  decimal.Zero,
		PackagingCost:   decimal.Zero,
		TotalCost:       decimal.Zero,
		ExpectedRevenue: decimal.Zero,
		GrossProfit:     decimal.Zero,
	}
	if sum.Batches == nil {
		sum.Batches = []Batch{}
	}
	allocs := make([]costing.Allocation, 0, len(batches))
	allocated := decimal.Zero
	for _, b := range batches {
		sum.IngredientCost = sum.IngredientCost.Add(b.IngredientCost)
		sum.PackagingCost = sum.PackagingCost.Add(b.PackagingCost)
		sum.TotalCost = sum.TotalCost.Add(b.TotalCost)
		sum.ExpectedRevenue = sum.ExpectedRevenue.Add(b.ExpectedRevenue)
		sum.GrossProfit = sum.GrossProfit.Add(b.GrossProfit)
		allocated = allocated.Add(b.AllocatedOverhead)
		allocs = append(allocs, costing.Allocation{BatchID: b.ID, SequenceNo: b.SequenceNo, Amount: b.AllocatedOverhead})
	}
	sum.AllocatedOverhead = allocated
	sum.UnallocatedOverhead = day.TotalOverhead.Sub(allocated)
	sum.AllocationBalanced = costing.CheckAllocation(day.TotalOverhead, allocs) == nil
	return sum
}

func (s *Service) recordTx(ctx context.Context, log shared.AuditLog) error {
	if s.audit == nil {
		return nil
	}
	if err := s.audit.Record(ctx, log); err != nil {
		return fmt.Errorf("production: audit: %w", err)
	}
	return nil
}
