package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/app"
	"github.com/bakehouse/books/internal/catalog"
	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/production"
	"github.com/bakehouse/books/internal/shared"
)

// seedActor is recorded as the author of every seeded row.
const seedActor int64 = 1

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	services := app.NewServices(app.ServiceDeps{Config: cfg, Pool: pool, Logger: logger})

	fmt.Println("→ Seeding inventory items...")
	items, err := seedItems(ctx, services.Inventory)
	if err != nil {
		log.Fatalf("seed items: %v", err)
	}

	fmt.Println("→ Seeding products and recipes...")
	products, err := seedCatalog(ctx, services.Catalog, items)
	if err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	fmt.Println("→ Seeding opening stock...")
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("business time zone: %v", err)
	}
	if err := seedOpening(ctx, services.Production, products, shared.TruncateDay(time.Now().In(loc))); err != nil {
		log.Fatalf("seed opening stock: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

// =============================================================================
// INVENTORY
// =============================================================================

func seedItems(ctx context.Context, svc *inventory.Service) (map[string]inventory.Item, error) {
	existing, err := svc.ListItems(ctx, false)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]inventory.Item, len(existing))
	for _, it := range existing {
		byCode[it.Code] = it
	}

	items := []inventory.Item{
		{Code: "FLOUR", Name: "Wheat flour", Kind: inventory.KindIngredient, StockUnit: "kg", PurchaseUnit: "bag 50kg",
			ConversionFactor: dec("50"), CurrentStock: dec("500"), CostPerPurchaseUnit: dec("3600"), ReorderLevel: dec("100")},
		{Code: "SUGAR", Name: "Sugar", Kind: inventory.KindIngredient, StockUnit: "kg", PurchaseUnit: "bag 50kg",
			ConversionFactor: dec("50"), CurrentStock: dec("150"), CostPerPurchaseUnit: dec("7250"), ReorderLevel: dec("25")},
		{Code: "YEAST", Name: "Dry yeast", Kind: inventory.KindIngredient, StockUnit: "g", PurchaseUnit: "pack 500g",
			ConversionFactor: dec("500"), CurrentStock: dec("10000"), CostPerPurchaseUnit: dec("420"), ReorderLevel: dec("1500")},
		{Code: "OIL", Name: "Cooking oil", Kind: inventory.KindIngredient, StockUnit: "l", PurchaseUnit: "jerrycan 20l",
			ConversionFactor: dec("20"), CurrentStock: dec("80"), CostPerPurchaseUnit: dec("5400"), ReorderLevel: dec("20")},
		{Code: "SALT", Name: "Salt", Kind: inventory.KindIngredient, StockUnit: "kg", PurchaseUnit: "kg",
			ConversionFactor: dec("1"), CurrentStock: dec("40"), CostPerPurchaseUnit: dec("45"), ReorderLevel: dec("5")},
		{Code: "BREADBAG", Name: "Bread bag 400g", Kind: inventory.KindPackaging, StockUnit: "pcs", PurchaseUnit: "bundle 1000",
			ConversionFactor: dec("1000"), CurrentStock: dec("8000"), CostPerPurchaseUnit: dec("3300"), ReorderLevel: dec("1500")},
	}
	for _, it := range items {
		if _, ok := byCode[it.Code]; ok {
			continue
		}
		created, err := svc.CreateItem(ctx, it, seedActor)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.Code, err)
		}
		byCode[created.Code] = created
	}
	return byCode, nil
}

// =============================================================================
// CATALOG
// =============================================================================

type productSeed struct {
	input  catalog.ProductInput
	recipe catalog.RecipeInput
}

func seedCatalog(ctx context.Context, svc *catalog.Service, items map[string]inventory.Item) ([]catalog.Product, error) {
	existing, err := svc.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]catalog.Product, len(existing))
	for _, p := range existing {
		byCode[p.Code] = p
	}

	line := func(code string, qty, unit string) catalog.RecipeLineInput {
		return catalog.RecipeLineInput{Ingredient: items[code].Name, ItemID: items[code].ID, Quantity: dec(qty), Unit: unit}
	}
	seeds := []productSeed{
		{
			input: catalog.ProductInput{Code: "BREAD400", Name: "White bread 400g", SellingPrice: dec("55"),
				HasRejects: true, RejectPrice: dec("30"), BaselineOutput: 130, MinExpectedOutput: 120, MaxExpectedOutput: 140,
				PackagingItemID: items["BREADBAG"].ID},
			recipe: catalog.RecipeInput{Name: "Standard mix", ExpectedOutput: 130, Lines: []catalog.RecipeLineInput{
				line("FLOUR", "50", "kg"), line("SUGAR", "4", "kg"), line("YEAST", "500", "g"),
				line("OIL", "2", "l"), line("SALT", "750", "g"),
			}},
		},
		{
			input: catalog.ProductInput{Code: "SCONE", Name: "Sweet scone", SellingPrice: dec("10"),
				BaselineOutput: 400, MinExpectedOutput: 380, MaxExpectedOutput: 420},
			recipe: catalog.RecipeInput{Name: "Scone mix", ExpectedOutput: 400, Lines: []catalog.RecipeLineInput{
				line("FLOUR", "25", "kg"), line("SUGAR", "6", "kg"), line("YEAST", "250", "g"), line("OIL", "3", "l"),
			}},
		},
	}

	products := make([]catalog.Product, 0, len(seeds))
	for _, s := range seeds {
		p, ok := byCode[s.input.Code]
		if !ok {
			s.input.ActorID = seedActor
			if p, err = svc.CreateProduct(ctx, s.input); err != nil {
				return nil, fmt.Errorf("product %s: %w", s.input.Code, err)
			}
		}
		products = append(products, p)

		recipes, err := svc.ListRecipes(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if len(recipes) > 0 {
			continue
		}
		s.recipe.ProductID = p.ID
		s.recipe.ActorID = seedActor
		if _, err := svc.CreateRecipe(ctx, s.recipe); err != nil {
			return nil, fmt.Errorf("recipe for %s: %w", p.Code, err)
		}
	}
	return products, nil
}

// =============================================================================
// PRODUCTION
// =============================================================================

func seedOpening(ctx context.Context, svc *production.Service, products []catalog.Product, today time.Time) error {
	for _, p := range products {
		_, err := svc.SetOpeningSeed(ctx, production.StockCountInput{
			Date:      today,
			ProductID: p.ID,
			Quantity:  20,
			ActorID:   seedActor,
		})
		if err != nil {
			return fmt.Errorf("opening stock for %s: %w", p.Code, err)
		}
	}
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
