package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
)

// Product is a finished good sold by the bakery.
type Product struct {
	ID                int64           `json:"id"`
	Code              string          `json:"code"`
	Name              string          `json:"name"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	HasRejects        bool            `json:"has_rejects"`
	RejectPrice       decimal.Decimal `json:"reject_price"`
	BaselineOutput    int64           `json:"baseline_output"`
	MinExpectedOutput int64           `json:"min_expected_output"`
	MaxExpectedOutput int64           `json:"max_expected_output"`
	PackagingItemID   int64           `json:"packaging_item_id,omitempty"`
	Active            bool            `json:"active"`
}

// Recipe is one version of the formula (mix) producing a product.
type Recipe struct {
	ID             int64        `json:"id"`
	ProductID      int64        `json:"product_id"`
	Name           string       `json:"name"`
	Version        int          `json:"version"`
	ExpectedOutput int64        `json:"expected_output"`
	Active         bool         `json:"active"`
	Lines          []RecipeLine `json:"lines"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RecipeLine is an ingredient requirement.
type RecipeLine struct {
	ID              int64           `json:"id"`
	IngredientName  string          `json:"ingredient_name"`
	InventoryItemID int64           `json:"inventory_item_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            costing.Unit    `json:"unit"`
}

// CostingLine converts the line for the costing package.
func (l RecipeLine) CostingLine() costing.RecipeLine {
	return costing.RecipeLine{Ingredient: l.IngredientName, ItemID: l.InventoryItemID, Quantity: l.Quantity, Unit: l.Unit}
}

// RecipeCosting is the costed view of a recipe at current inventory prices.
type RecipeCosting struct {
	RecipeID            int64              `json:"recipe_id"`
	ProductID           int64              `json:"product_id"`
	Version             int                `json:"version"`
	ExpectedOutput      int64              `json:"expected_output"`
	IngredientCost      decimal.Decimal    `json:"ingredient_cost"`
	CostPerExpectedUnit decimal.Decimal    `json:"cost_per_expected_unit"`
	Lines               []costing.LineCost `json:"lines"`
}

// ProductInput creates a product.
type ProductInput struct {
	Code              string
	Name              string
	SellingPrice      decimal.Decimal
	HasRejects        bool
	RejectPrice       decimal.Decimal
	BaselineOutput    int64
	MinExpectedOutput int64
	MaxExpectedOutput int64
	PackagingItemID   int64
	ActorID           int64
}

// RecipeLineInput is a line as authored.
type RecipeLineInput struct {
	Ingredient string
	ItemID     int64
	Quantity   decimal.Decimal
	Unit       string
}

// RecipeInput creates a recipe version.
type RecipeInput struct {
	ProductID      int64
	Name           string
	ExpectedOutput int64
	Lines          []RecipeLineInput
	ActorID        int64
}

var (
	// ErrProductNotFound indicates an unknown product.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrRecipeNotFound indicates an unknown recipe.
	ErrRecipeNotFound = errors.New("catalog: recipe not found")
	// ErrInvalidProduct indicates product data failing validation.
	ErrInvalidProduct = errors.New("catalog: invalid product")
	// ErrInvalidRecipe indicates recipe data failing validation.
	ErrInvalidRecipe = errors.New("catalog: invalid recipe")
)
