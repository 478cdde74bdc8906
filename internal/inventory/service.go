package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, id int64) (Item, error)
	ListItems(ctx context.Context, activeOnly bool) ([]Item, error)
	CreateItem(ctx context.Context, item Item) (Item, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	publisher EventPublisher
	costs     CostListener
	allowNeg  bool
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		allowNeg: cfg.AllowNegativeStock,
		logger:   logger.With(slog.String("module", "inventory")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sets the low-stock event publisher.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// WithCostListener sets the receiver of unit cost changes.
func (s *Service) WithCostListener(l CostListener) *Service {
	s.costs = l
	return s
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// CreateItem registers a stocked material.
func (s *Service) CreateItem(ctx context.Context, item Item, actorID int64) (Item, error) {
	item.Code = strings.TrimSpace(item.Code)
	item.Name = strings.TrimSpace(item.Name)
	if item.Code == "" || item.Name == "" {
		return Item{}, fmt.Errorf("%w: code and name required", ErrInvalidItem)
	}
	if item.Kind != KindIngredient && item.Kind != KindPackaging {
		return Item{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, item.Kind)
	}
	unit, err := costing.ParseUnit(string(item.StockUnit))
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	item.StockUnit = unit
	if item.ConversionFactor.IsZero() {
		item.ConversionFactor = decimal.NewFromInt(1)
	}
	if item.ConversionFactor.IsNegative() || item.CostPerPurchaseUnit.IsNegative() ||
		item.ReorderLevel.IsNegative() || item.CurrentStock.IsNegative() {
		return Item{}, fmt.Errorf("%w: negative factor, cost, reorder level or stock", ErrInvalidItem)
	}
	item.CurrentStock = costing.RoundQty(item.CurrentStock)
	item.LowStock = false
	item.Active = true

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return Item{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "inventory:item_create",
		Entity:   "inventory_item",
		EntityID: strconv.FormatInt(created.ID, 10),
		Meta:     map[string]any{"code": created.Code, "kind": created.Kind},
	})
	return created, nil
}

// GetItem returns one item.
func (s *Service) GetItem(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, ErrItemNotFound
	}
	return s.repo.GetItem(ctx, id)
}

// ListItems lists items, optionally only active ones.
func (s *Service) ListItems(ctx context.Context, activeOnly bool) ([]Item, error) {
	return s.repo.ListItems(ctx, activeOnly)
}

// ListMovements lists movements newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = 200
	case filter.Limit > 1000:
		filter.Limit = 1000
	}
	return s.repo.ListMovements(ctx, filter)
}

// Deduct removes stock for a reference. A repeated call with the same
// reference and item returns the original movement untouched.
func (s *Service) Deduct(ctx context.Context, in MovementInput) (Movement, error) {
	if err := validateMovement(in.ItemID, in.Quantity, in.Ref); err != nil {
		return Movement{}, err
	}
	out, err := s.apply(ctx, in.Ref, []Line{{ItemID: in.ItemID, Quantity: in.Quantity.Neg()}}, in.Note, in.ActorID, in.AllowNegative)
	if err != nil {
		return Movement{}, err
	}
	return out[0], nil
}

// Credit adds stock for a reference, idempotently.
func (s *Service) Credit(ctx context.Context, in MovementInput) (Movement, error) {
	if err := validateMovement(in.ItemID, in.Quantity, in.Ref); err != nil {
		return Movement{}, err
	}
	out, err := s.apply(ctx, in.Ref, []Line{{ItemID: in.ItemID, Quantity: in.Quantity}}, in.Note, in.ActorID, false)
	if err != nil {
		return Movement{}, err
	}
	return out[0], nil
}

// DeductMany deducts several items under one reference in a single
// transaction. Lines for the same item are merged.
func (s *Service) DeductMany(ctx context.Context, in BatchMovementInput) ([]Movement, error) {
	if len(in.Lines) == 0 {
		return nil, nil
	}
	merged := make(map[int64]decimal.Decimal, len(in.Lines))
	for _, line := range in.Lines {
		if err := validateMovement(line.ItemID, line.Quantity, in.Ref); err != nil {
			return nil, err
		}
		merged[line.ItemID] = merged[line.ItemID].Add(line.Quantity)
	}
	deltas := make([]Line, 0, len(merged))
	for id, qty := range merged {
		deltas = append(deltas, Line{ItemID: id, Quantity: qty.Neg()})
	}
	return s.apply(ctx, in.Ref, deltas, in.Note, in.ActorID, in.AllowNegative)
}

// ReceivePurchase credits quantity purchase units, converted to stock units,
// and refreshes the item's purchase cost when a new one is given.
func (s *Service) ReceivePurchase(ctx context.Context, in PurchaseInput) (Movement, error) {
	ref := PurchaseRef(in.ReceiptID)
	if err := validateMovement(in.ItemID, in.Quantity, ref); err != nil {
		return Movement{}, err
	}
	if in.UnitCost.IsNegative() {
		return Movement{}, fmt.Errorf("%w: unit cost must be >= 0", ErrInvalidItem)
	}
	var result Movement
	costChanged := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if existing, err := tx.FindMovement(ctx, ref, in.ItemID); err == nil {
			existing.Replayed = true
			result = existing
			return nil
		} else if !errors.Is(err, ErrMovementNotFound) {
			return err
		}
		item, err := tx.GetItemForUpdate(ctx, in.ItemID)
		if err != nil {
			return err
		}
		if in.UnitCost.IsPositive() && !in.UnitCost.Equal(item.CostPerPurchaseUnit) {
			if err := tx.UpdateItemCost(ctx, item.ID, in.UnitCost); err != nil {
				return err
			}
			costChanged = true
		}
		factor := item.ConversionFactor
		if !factor.IsPositive() {
			factor = decimal.NewFromInt(1)
		}
		qty := costing.RoundQty(in.Quantity.Mul(factor))
		movements, err := s.applyTx(ctx, tx, ref, []Line{{ItemID: item.ID, Quantity: qty}}, in.Note, in.ActorID, false)
		if err != nil {
			return err
		}
		result = movements[0]
		if costChanged && s.costs != nil {
			itemID := item.ID
			db.DeferUntilCommit(ctx, func() {
				if err := s.costs.ItemCostChanged(context.WithoutCancel(ctx), itemID); err != nil {
					s.logger.Warn("cost listener failed", slog.Int64("item_id", itemID), slog.Any("error", err))
				}
			})
		}
		return nil
	})
	if err != nil {
		replay, err := s.replayed(ctx, ref, []int64{in.ItemID}, err)
		if err != nil {
			return Movement{}, err
		}
		return replay[0], nil
	}
	return result, nil
}

// RecordWastage deducts spoiled stock at current cost. Wastage above
// WastageApprovalThreshold is flagged for approval.
func (s *Service) RecordWastage(ctx context.Context, in WastageInput) (WastageResult, error) {
	note := strings.TrimSpace(in.Reason)
	if note == "" {
		return WastageResult{}, fmt.Errorf("%w: wastage reason required", ErrInvalidReference)
	}
	m, err := s.Deduct(ctx, MovementInput{
		ItemID:   in.ItemID,
		Quantity: in.Quantity,
		Ref:      WastageRef(in.WastageID),
		Note:     note,
		ActorID:  in.ActorID,
	})
	if err != nil {
		return WastageResult{}, err
	}
	cost := costing.RoundMoney(m.Quantity.Abs().Mul(m.UnitCost))
	return WastageResult{
		Movement:         m,
		Cost:             cost,
		RequiresApproval: cost.GreaterThan(WastageApprovalThreshold),
	}, nil
}

// ReverseWastage credits back a previously recorded wastage.
func (s *Service) ReverseWastage(ctx context.Context, wastageID, itemID, actorID int64, note string) (Movement, error) {
	var result Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.FindMovement(ctx, WastageRef(wastageID), itemID)
		if err != nil {
			return err
		}
		movements, err := s.applyTx(ctx, tx, WastageReversalRef(wastageID), []Line{{ItemID: itemID, Quantity: original.Quantity.Abs()}}, note, actorID, false)
		if err != nil {
			return err
		}
		result = movements[0]
		return nil
	})
	if err != nil {
		replay, err := s.replayed(ctx, WastageReversalRef(wastageID), []int64{itemID}, err)
		if err != nil {
			return Movement{}, err
		}
		return replay[0], nil
	}
	return result, nil
}

// Adjust posts a signed stock correction.
func (s *Service) Adjust(ctx context.Context, in AdjustmentInput) (Movement, error) {
	if in.Delta.IsZero() {
		return Movement{}, ErrInvalidQuantity
	}
	ref := AdjustmentRef(in.AdjustmentID)
	if err := validateMovement(in.ItemID, in.Delta.Abs(), ref); err != nil {
		return Movement{}, err
	}
	out, err := s.apply(ctx, ref, []Line{{ItemID: in.ItemID, Quantity: in.Delta}}, in.Note, in.ActorID, false)
	if err != nil {
		return Movement{}, err
	}
	return out[0], nil
}

func validateMovement(itemID int64, qty decimal.Decimal, ref Reference) error {
	if itemID <= 0 {
		return ErrItemNotFound
	}
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !ref.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidReference, ref)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, ref Reference, deltas []Line, note string, actorID int64, allowNeg bool) ([]Movement, error) {
	var out []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movements, err := s.applyTx(ctx, tx, ref, deltas, note, actorID, allowNeg)
		out = movements
		return err
	})
	if err != nil {
		ids := make([]int64, 0, len(deltas))
		for _, d := range deltas {
			ids = append(ids, d.ItemID)
		}
		return s.replayed(ctx, ref, ids, err)
	}
	return out, nil
}

// replayed handles a posting that lost the insert race to a concurrent
// writer of the same reference: the winner's movements are re-read in a
// fresh transaction and returned as replays. Inside a caller's transaction
// the duplicate error stands, because that transaction is already aborted.
func (s *Service) replayed(ctx context.Context, ref Reference, itemIDs []int64, cause error) ([]Movement, error) {
	if !errors.Is(cause, ErrDuplicateMovement) {
		return nil, cause
	}
	if _, ok := db.TxFromContext(ctx); ok {
		return nil, cause
	}
	out := make([]Movement, 0, len(itemIDs))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, id := range itemIDs {
			m, err := tx.FindMovement(ctx, ref, id)
			if err != nil {
				return err
			}
			m.Replayed = true
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	s.logger.Info("movement replayed after concurrent insert", slog.String("ref", ref.String()))
	return out, nil
}

// applyTx posts signed deltas for ref. Items are locked in id order so
// concurrent multi-item postings cannot deadlock.
func (s *Service) applyTx(ctx context.Context, tx TxRepository, ref Reference, deltas []Line, note string, actorID int64, allowNeg bool) ([]Movement, error) {
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ItemID < deltas[j].ItemID })
	out := make([]Movement, 0, len(deltas))
	var crossings []LowStockCrossed
	now := s.now()

	for _, d := range deltas {
		if existing, err := tx.FindMovement(ctx, ref, d.ItemID); err == nil {
			existing.Replayed = true
			out = append(out, existing)
			continue
		} else if !errors.Is(err, ErrMovementNotFound) {
			return nil, err
		}

		item, err := tx.GetItemForUpdate(ctx, d.ItemID)
		if err != nil {
			return nil, err
		}
		before := item.CurrentStock
		after := costing.RoundQty(before.Add(d.Quantity))
		if after.IsNegative() {
			if !s.allowNeg && !allowNeg {
				return nil, fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientStock, item.Code, before, item.StockUnit, d.Quantity.Abs())
			}
			s.logger.Warn("stock going negative",
				slog.String("item", item.Code),
				slog.String("ref", ref.String()),
				slog.String("stock_after", after.String()))
		}

		lowStock := item.LowStock
		crossed := false
		switch {
		case !item.ReorderLevel.IsPositive() || after.GreaterThanOrEqual(item.ReorderLevel):
			lowStock = false
		case d.Quantity.IsNegative() && !item.LowStock:
			lowStock = true
			crossed = true
		}

		m, err := tx.InsertMovement(ctx, Movement{
			ItemID:      item.ID,
			Quantity:    d.Quantity,
			StockBefore: before,
			StockAfter:  after,
			UnitCost:    item.CostPerStockUnit().Round(4),
			Ref:         ref,
			Note:        note,
			ActorID:     actorID,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateItemStock(ctx, item.ID, after, lowStock); err != nil {
			return nil, err
		}
		// Audit rows share the posting transaction, so a failure aborts it.
		if err := s.recordTx(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   fmt.Sprintf("inventory:%s", strings.ToLower(string(ref.Kind))),
			Entity:   "inventory_item",
			EntityID: strconv.FormatInt(item.ID, 10),
			Meta: map[string]any{
				"ref":          ref.String(),
				"qty":          d.Quantity.String(),
				"stock_before": before.String(),
				"stock_after":  after.String(),
				"note":         note,
			},
			At: now,
		}); err != nil {
			return nil, err
		}
		if crossed {
			crossings = append(crossings, LowStockCrossed{
				ItemID:       item.ID,
				Code:         item.Code,
				Name:         item.Name,
				Stock:        after,
				ReorderLevel: item.ReorderLevel,
				StockUnit:    string(item.StockUnit),
				Ref:          ref,
				OccurredAt:   now,
			})
		}
		out = append(out, m)
	}

	if len(crossings) > 0 && s.publisher != nil {
		db.DeferUntilCommit(ctx, func() {
			pubCtx := context.WithoutCancel(ctx)
			for _, evt := range crossings {
				if err := s.publisher.PublishLowStock(pubCtx, evt); err != nil {
					s.logger.Error("publish low stock", slog.String("item", evt.Code), slog.Any("error", err))
				}
			}
		})
	}
	return out, nil
}

func (s *Service) recordTx(ctx context.Context, log shared.AuditLog) error {
	if s.audit == nil {
		return nil
	}
	if err := s.audit.Record(ctx, log); err != nil {
		return fmt.Errorf("inventory: audit: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
