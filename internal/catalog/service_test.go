package catalog

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/inventory"
)

type mockRepo struct {
	products    map[int64]Product
	recipes     map[int64]Recipe
	recipeCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{products: map[int64]Product{}, recipes: map[int64]Recipe{}}
}

func (m *mockRepo) GetProduct(_ context.Context, id int64) (Product, error) {
	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (m *mockRepo) ListProducts(context.Context) ([]Product, error) {
	var out []Product
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockRepo) CreateProduct(_ context.Context, p Product) (Product, error) {
	p.ID = int64(len(m.products) + 1)
	m.products[p.ID] = p
	return p, nil
}

func (m *mockRepo) GetRecipe(_ context.Context, id int64) (Recipe, error) {
	m.recipeCalls++
	r, ok := m.recipes[id]
	if !ok {
		return Recipe{}, ErrRecipeNotFound
	}
	return r, nil
}

func (m *mockRepo) ListRecipes(_ context.Context, productID int64) ([]Recipe, error) {
	var out []Recipe
	for _, r := range m.recipes {
		if r.ProductID == productID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRepo) LatestRecipeVersion(_ context.Context, productID int64, name string) (int, error) {
	latest := 0
	for _, r := range m.recipes {
		if r.ProductID == productID && r.Name == name && r.Version > latest {
			latest = r.Version
		}
	}
	return latest, nil
}

func (m *mockRepo) CreateRecipe(_ context.Context, r Recipe) (Recipe, error) {
	for id, existing := range m.recipes {
		if existing.ProductID == r.ProductID && existing.Name == r.Name {
			existing.Active = false
			m.recipes[id] = existing
		}
	}
	r.ID = int64(len(m.recipes) + 1)
	m.recipes[r.ID] = r
	return r, nil
}

type itemStub map[int64]inventory.Item

func (s itemStub) GetItem(_ context.Context, id int64) (inventory.Item, error) {
	it, ok := s[id]
	if !ok {
		return inventory.Item{}, inventory.ErrItemNotFound
	}
	return it, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func bakeryItems() itemStub {
	return itemStub{
		1: {ID: 1, Code: "FLOUR", Name: "Flour", Kind: inventory.KindIngredient, StockUnit: costing.Kilogram, ConversionFactor: dec("50"), CostPerPurchaseUnit: dec("3650")},
		2: {ID: 2, Code: "SUGAR", Name: "Sugar", Kind: inventory.KindIngredient, StockUnit: costing.Kilogram, ConversionFactor: dec("1"), CostPerPurchaseUnit: dec("144")},
		3: {ID: 3, Code: "WRAP", Name: "Bread wrapper", Kind: inventory.KindPackaging, StockUnit: costing.Piece, ConversionFactor: dec("1"), CostPerPurchaseUnit: dec("3.30")},
	}
}

func setupService(t *testing.T, items itemStub) (*Service, *mockRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newMockRepo()
	repo.products[1] = Product{ID: 1, Code: "BREAD", Name: "Bread", SellingPrice: dec("50"), HasRejects: true, PackagingItemID: 3, Active: true}
	return NewService(repo, items, NewCache(client, time.Minute), nil, nil), repo, mr
}

func TestCreateRecipeVersionsAndCosts(t *testing.T) {
	svc, repo, _ := setupService(t, bakeryItems())
	ctx := context.Background()

	input := RecipeInput{
		ProductID:      1,
		Name:           "Bread mix",
		ExpectedOutput: 132,
		Lines: []RecipeLineInput{
			{Ingredient: "Flour", ItemID: 1, Quantity: dec("36"), Unit: "kg"},
			{Ingredient: "Sugar", ItemID: 2, Quantity: dec("4500"), Unit: "g"},
		},
	}
	first, err := svc.CreateRecipe(ctx, input)
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)

	second, err := svc.CreateRecipe(ctx, input)
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	require.False(t, repo.recipes[first.ID].Active)
	require.True(t, repo.recipes[second.ID].Active)

	cost, err := svc.RecipeCost(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, cost.IngredientCost.Equal(dec("3276")), cost.IngredientCost.String())
	require.True(t, cost.CostPerExpectedUnit.Equal(dec("24.82")), cost.CostPerExpectedUnit.String())
	require.Len(t, cost.Lines, 2)
	require.True(t, cost.Lines[1].StockQuantity.Equal(dec("4.5")))
}

func TestCreateRecipeFailsFastOnUnresolvedIngredient(t *testing.T) {
	svc, _, _ := setupService(t, bakeryItems())
	ctx := context.Background()

	_, err := svc.CreateRecipe(ctx, RecipeInput{
		ProductID:      1,
		Name:           "Bread mix",
		ExpectedOutput: 132,
		Lines:          []RecipeLineInput{{Ingredient: "Salt", Quantity: dec("1"), Unit: "kg"}},
	})
	require.ErrorIs(t, err, costing.ErrUnresolvedIngredient)

	_, err = svc.CreateRecipe(ctx, RecipeInput{
		ProductID:      1,
		Name:           "Bread mix",
		ExpectedOutput: 132,
		Lines:          []RecipeLineInput{{Ingredient: "Salt", ItemID: 77, Quantity: dec("1"), Unit: "kg"}},
	})
	require.ErrorIs(t, err, costing.ErrUnresolvedIngredient)
}

func TestCreateRecipeValidation(t *testing.T) {
	svc, _, _ := setupService(t, bakeryItems())
	ctx := context.Background()
	line := RecipeLineInput{Ingredient: "Flour", ItemID: 1, Quantity: dec("1"), Unit: "kg"}

	_, err := svc.CreateRecipe(ctx, RecipeInput{ProductID: 1, Name: "Mix", ExpectedOutput: 0, Lines: []RecipeLineInput{line}})
	require.ErrorIs(t, err, ErrInvalidRecipe)

	_, err = svc.CreateRecipe(ctx, RecipeInput{ProductID: 1, Name: "Mix", ExpectedOutput: 10})
	require.ErrorIs(t, err, ErrInvalidRecipe)

	bad := line
	bad.Unit = "bucket"
	_, err = svc.CreateRecipe(ctx, RecipeInput{ProductID: 1, Name: "Mix", ExpectedOutput: 10, Lines: []RecipeLineInput{bad}})
	require.ErrorIs(t, err, ErrInvalidRecipe)

	_, err = svc.CreateRecipe(ctx, RecipeInput{ProductID: 9, Name: "Mix", ExpectedOutput: 10, Lines: []RecipeLineInput{line}})
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestRecipeCostCachedUntilItemCostChanges(t *testing.T) {
	items := bakeryItems()
	svc, repo, _ := setupService(t, items)
	ctx := context.Background()

	rec, err := svc.CreateRecipe(ctx, RecipeInput{
		ProductID:      1,
		Name:           "Bread mix",
		ExpectedOutput: 100,
		Lines:          []RecipeLineInput{{Ingredient: "Flour", ItemID: 1, Quantity: dec("10"), Unit: "kg"}},
	})
	require.NoError(t, err)

	cost, err := svc.RecipeCost(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, cost.IngredientCost.Equal(dec("730")))
	calls := repo.recipeCalls

	_, err = svc.RecipeCost(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, calls, repo.recipeCalls, "second call served from cache")

	flour := items[1]
	flour.CostPerPurchaseUnit = dec("4000")
	items[1] = flour
	require.NoError(t, svc.ItemCostChanged(ctx, 1))

	cost, err = svc.RecipeCost(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, calls+1, repo.recipeCalls)
	require.True(t, cost.IngredientCost.Equal(dec("800")), cost.IngredientCost.String())
}

func TestRecipeCostWithoutRedis(t *testing.T) {
	repo := newMockRepo()
	repo.products[1] = Product{ID: 1, Code: "BUN", Name: "Bun"}
	svc := NewService(repo, bakeryItems(), nil, nil, nil)
	ctx := context.Background()

	rec, err := svc.CreateRecipe(ctx, RecipeInput{
		ProductID:      1,
		Name:           "Bun mix",
		ExpectedOutput: 40,
		Lines:          []RecipeLineInput{{ItemID: 2, Quantity: dec("2"), Unit: "kg"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Sugar", rec.Lines[0].IngredientName)

	cost, err := svc.RecipeCost(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, cost.IngredientCost.Equal(dec("288")))
	require.NoError(t, svc.ItemCostChanged(ctx, 2))
}

func TestCreateProductValidation(t *testing.T) {
	svc, _, _ := setupService(t, bakeryItems())
	ctx := context.Background()

	_, err := svc.CreateProduct(ctx, ProductInput{Code: "BUN", Name: "Bun", RejectPrice: dec("5")})
	require.ErrorIs(t, err, ErrInvalidProduct)

	_, err = svc.CreateProduct(ctx, ProductInput{Code: "BUN", Name: "Bun", PackagingItemID: 1})
	require.ErrorIs(t, err, ErrInvalidProduct)

	_, err = svc.CreateProduct(ctx, ProductInput{Code: "BUN", Name: "Bun", MinExpectedOutput: 50, MaxExpectedOutput: 40})
	require.ErrorIs(t, err, ErrInvalidProduct)

	p, err := svc.CreateProduct(ctx, ProductInput{Code: "BUN", Name: "Bun", SellingPrice: dec("10.005"), PackagingItemID: 3})
	require.NoError(t, err)
	require.True(t, p.SellingPrice.Equal(dec("10.01")))
	require.True(t, p.Active)
}
