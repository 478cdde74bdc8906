package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/shared"
)

// RepositoryPort abstracts catalog persistence.
type RepositoryPort interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	GetRecipe(ctx context.Context, id int64) (Recipe, error)
	ListRecipes(ctx context.Context, productID int64) ([]Recipe, error)
	LatestRecipeVersion(ctx context.Context, productID int64, name string) (int, error)
	CreateRecipe(ctx context.Context, r Recipe) (Recipe, error)
}

// ItemSource resolves inventory items for costing.
type ItemSource interface {
	GetItem(ctx context.Context, id int64) (inventory.Item, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages products and recipes and prices recipes.
type Service struct {
	repo   RepositoryPort
	items  ItemSource
	cache  *Cache
	audit  AuditPort
	logger *slog.Logger
	group  singleflight.Group
}

// NewService builds Service. cache and audit may be nil.
func NewService(repo RepositoryPort, items ItemSource, cache *Cache, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, items: items, cache: cache, audit: audit, logger: logger.With(slog.String("module", "catalog"))}
}

// CreateProduct registers a finished good.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (Product, error) {
	p := Product{
		Code:              strings.TrimSpace(in.Code),
		Name:              strings.TrimSpace(in.Name),
		SellingPrice:      costing.RoundMoney(in.SellingPrice),
		HasRejects:        in.HasRejects,
		RejectPrice:       costing.RoundMoney(in.RejectPrice),
		BaselineOutput:    in.BaselineOutput,
		MinExpectedOutput: in.MinExpectedOutput,
		MaxExpectedOutput: in.MaxExpectedOutput,
		PackagingItemID:   in.PackagingItemID,
		Active:            true,
	}
	switch {
	case p.Code == "" || p.Name == "":
		return Product{}, fmt.Errorf("%w: code and name required", ErrInvalidProduct)
	case p.SellingPrice.IsNegative() || p.RejectPrice.IsNegative():
		return Product{}, fmt.Errorf("%w: prices must be >= 0", ErrInvalidProduct)
	case !p.HasRejects && p.RejectPrice.IsPositive():
		return Product{}, fmt.Errorf("%w: reject price on product without rejects", ErrInvalidProduct)
	case p.BaselineOutput < 0 || p.MinExpectedOutput < 0 || p.MaxExpectedOutput < 0:
		return Product{}, fmt.Errorf("%w: outputs must be >= 0", ErrInvalidProduct)
	case p.MaxExpectedOutput > 0 && p.MinExpectedOutput > p.MaxExpectedOutput:
		return Product{}, fmt.Errorf("%w: min expected output above max", ErrInvalidProduct)
	}
	if p.PackagingItemID != 0 {
		item, err := s.items.GetItem(ctx, p.PackagingItemID)
		if err != nil {
			return Product{}, fmt.Errorf("%w: packaging item %d: %v", ErrInvalidProduct, p.PackagingItemID, err)
		}
		if item.Kind != inventory.KindPackaging {
			return Product{}, fmt.Errorf("%w: item %s is not packaging", ErrInvalidProduct, item.Code)
		}
	}
	created, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return Product{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "catalog:product_create",
		Entity:   "product",
		EntityID: strconv.FormatInt(created.ID, 10),
		Meta:     map[string]any{"code": created.Code},
	})
	return created, nil
}

// GetProduct returns one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts lists all products.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx)
}

// GetRecipe returns one recipe with its lines.
func (s *Service) GetRecipe(ctx context.Context, id int64) (Recipe, error) {
	return s.repo.GetRecipe(ctx, id)
}

// ListRecipes lists recipes of a product, newest version first.
func (s *Service) ListRecipes(ctx context.Context, productID int64) ([]Recipe, error) {
	return s.repo.ListRecipes(ctx, productID)
}

// CreateRecipe authors a new recipe version. Every line must resolve to an
// inventory item; unlinked ingredients are rejected instead of being costed
// at zero.
func (s *Service) CreateRecipe(ctx context.Context, in RecipeInput) (Recipe, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Recipe{}, fmt.Errorf("%w: name required", ErrInvalidRecipe)
	}
	if in.ExpectedOutput <= 0 {
		return Recipe{}, fmt.Errorf("%w: expected output must be positive", ErrInvalidRecipe)
	}
	if len(in.Lines) == 0 {
		return Recipe{}, fmt.Errorf("%w: at least one ingredient line required", ErrInvalidRecipe)
	}
	if _, err := s.repo.GetProduct(ctx, in.ProductID); err != nil {
		return Recipe{}, err
	}

	lines := make([]RecipeLine, 0, len(in.Lines))
	for i, l := range in.Lines {
		ingredient := strings.TrimSpace(l.Ingredient)
		if !l.Quantity.IsPositive() {
			return Recipe{}, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidRecipe, i+1)
		}
		unit, err := costing.ParseUnit(l.Unit)
		if err != nil {
			return Recipe{}, fmt.Errorf("%w: line %d: %v", ErrInvalidRecipe, i+1, err)
		}
		if l.ItemID <= 0 {
			return Recipe{}, fmt.Errorf("%w: %s", costing.ErrUnresolvedIngredient, ingredient)
		}
		item, err := s.items.GetItem(ctx, l.ItemID)
		if errors.Is(err, inventory.ErrItemNotFound) {
			return Recipe{}, fmt.Errorf("%w: %s (item %d)", costing.ErrUnresolvedIngredient, ingredient, l.ItemID)
		}
		if err != nil {
			return Recipe{}, err
		}
		if ingredient == "" {
			ingredient = item.Name
		}
		line := RecipeLine{IngredientName: ingredient, InventoryItemID: item.ID, Quantity: costing.RoundQty(l.Quantity), Unit: unit}
		if _, ok := costing.Convert(line.Quantity, unit, item.StockUnit); !ok {
			s.logger.Warn("recipe unit has no conversion to stock unit; quantity used as-is",
				slog.String("ingredient", ingredient),
				slog.String("unit", string(unit)),
				slog.String("stock_unit", string(item.StockUnit)))
		}
		lines = append(lines, line)
	}

	latest, err := s.repo.LatestRecipeVersion(ctx, in.ProductID, name)
	if err != nil {
		return Recipe{}, err
	}
	created, err := s.repo.CreateRecipe(ctx, Recipe{
		ProductID:      in.ProductID,
		Name:           name,
		Version:        latest + 1,
		ExpectedOutput: in.ExpectedOutput,
		Active:         true,
		Lines:          lines,
	})
	if err != nil {
		return Recipe{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "catalog:recipe_create",
		Entity:   "recipe",
		EntityID: strconv.FormatInt(created.ID, 10),
		Meta:     map[string]any{"product_id": created.ProductID, "name": created.Name, "version": created.Version},
	})
	return created, nil
}

// RecipeCost prices a recipe at current inventory cost. Results are cached
// until an inventory cost changes; concurrent misses share one computation,
// which outlives the cancellation of whichever caller started it.
func (s *Service) RecipeCost(ctx context.Context, recipeID int64) (RecipeCosting, error) {
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(strconv.FormatInt(recipeID, 10), func() (any, error) {
		return s.cache.FetchRecipeCost(lookupCtx, recipeID, func(ctx context.Context) (RecipeCosting, error) {
			return s.computeCost(ctx, recipeID)
		})
	})
	select {
	case <-ctx.Done():
		return RecipeCosting{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return RecipeCosting{}, res.Err
		}
		return res.Val.(RecipeCosting), nil
	}
}

// ItemCostChanged invalidates cached costings. It satisfies
// inventory.CostListener.
func (s *Service) ItemCostChanged(ctx context.Context, itemID int64) error {
	if err := s.cache.Bump(ctx); err != nil {
		return fmt.Errorf("catalog: bump cost cache for item %d: %w", itemID, err)
	}
	return nil
}

func (s *Service) computeCost(ctx context.Context, recipeID int64) (RecipeCosting, error) {
	recipe, err := s.repo.GetRecipe(ctx, recipeID)
	if err != nil {
		return RecipeCosting{}, err
	}
	lines := make([]costing.LineCost, 0, len(recipe.Lines))
	for _, l := range recipe.Lines {
		var cost *costing.ItemCost
		if l.InventoryItemID > 0 {
			item, err := s.items.GetItem(ctx, l.InventoryItemID)
			if err != nil && !errors.Is(err, inventory.ErrItemNotFound) {
				return RecipeCosting{}, err
			}
			if err == nil {
				cost = item.Costing()
			}
		}
		lc, err := costing.ResolveLine(l.CostingLine(), cost)
		if err != nil {
			return RecipeCosting{}, fmt.Errorf("recipe %d: %w", recipeID, err)
		}
		lines = append(lines, lc)
	}
	total := costing.SumCosts(lines)
	perUnit := decimal.Zero
	if recipe.ExpectedOutput > 0 {
		perUnit = costing.RoundMoney(total.Div(decimal.NewFromInt(recipe.ExpectedOutput)))
	}
	return RecipeCosting{
		RecipeID:            recipe.ID,
		ProductID:           recipe.ProductID,
		Version:             recipe.Version,
		ExpectedOutput:      recipe.ExpectedOutput,
		IngredientCost:      total,
		CostPerExpectedUnit: perUnit,
		Lines:               lines,
	}, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
