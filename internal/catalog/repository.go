package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
)

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	db.Beginner
	db.Querier
}

// Repository persists products and recipes in PostgreSQL.
type Repository struct {
	pool Pool
}

// NewRepository constructs Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, code, name, selling_price, has_rejects, reject_price, baseline_output,
min_expected_output, max_expected_output, COALESCE(packaging_item_id, 0), active`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.SellingPrice, &p.HasRejects, &p.RejectPrice, &p.BaselineOutput,
		&p.MinExpectedOutput, &p.MaxExpectedOutput, &p.PackagingItemID, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	return scanProduct(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
}

// ListProducts lists products ordered by code.
func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProduct inserts a product.
func (r *Repository) CreateProduct(ctx context.Context, p Product) (Product, error) {
	var packaging *int64
	if p.PackagingItemID != 0 {
		packaging = &p.PackagingItemID
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO products
(code, name, selling_price, has_rejects, reject_price, baseline_output, min_expected_output, max_expected_output, packaging_item_id, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+productColumns,
		p.Code, p.Name, p.SellingPrice, p.HasRejects, p.RejectPrice, p.BaselineOutput, p.MinExpectedOutput,
		p.MaxExpectedOutput, packaging, p.Active)
	created, err := scanProduct(row)
	if shared.IsUniqueViolation(err) {
		return Product{}, fmt.Errorf("%w: code %s already exists", ErrInvalidProduct, p.Code)
	}
	return created, err
}

// GetRecipe loads a recipe and its lines.
func (r *Repository) GetRecipe(ctx context.Context, id int64) (Recipe, error) {
	conn := db.Conn(ctx, r.pool)
	var rec Recipe
	err := conn.QueryRow(ctx, `SELECT id, product_id, name, version, expected_output, active, created_at
FROM recipes WHERE id=$1`, id).Scan(&rec.ID, &rec.ProductID, &rec.Name, &rec.Version, &rec.ExpectedOutput, &rec.Active, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipe{}, ErrRecipeNotFound
	}
	if err != nil {
		return Recipe{}, err
	}
	rows, err := conn.Query(ctx, `SELECT id, ingredient_name, COALESCE(inventory_item_id, 0), quantity, unit
FROM recipe_lines WHERE recipe_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Recipe{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l RecipeLine
		var unit string
		if err := rows.Scan(&l.ID, &l.IngredientName, &l.InventoryItemID, &l.Quantity, &unit); err != nil {
			return Recipe{}, err
		}
		l.Unit = costing.Unit(unit)
		rec.Lines = append(rec.Lines, l)
	}
	return rec, rows.Err()
}

// ListRecipes lists recipe headers of a product, newest version first.
func (r *Repository) ListRecipes(ctx context.Context, productID int64) ([]Recipe, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, product_id, name, version, expected_output, active, created_at
FROM recipes WHERE product_id=$1 ORDER BY name, version DESC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipe
	for rows.Next() {
		var rec Recipe
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.Name, &rec.Version, &rec.ExpectedOutput, &rec.Active, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestRecipeVersion returns the highest version for (product, name), or 0.
func (r *Repository) LatestRecipeVersion(ctx context.Context, productID int64, name string) (int, error) {
	var v int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM recipes WHERE product_id=$1 AND name=$2`,
		productID, name).Scan(&v)
	return v, err
}

// CreateRecipe inserts a recipe version with its lines and retires older
// versions of the same recipe.
func (r *Repository) CreateRecipe(ctx context.Context, rec Recipe) (Recipe, error) {
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE recipes SET active=false WHERE product_id=$1 AND name=$2`, rec.ProductID, rec.Name); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `INSERT INTO recipes (product_id, name, version, expected_output, active, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
			rec.ProductID, rec.Name, rec.Version, rec.ExpectedOutput, rec.Active).Scan(&rec.ID, &rec.CreatedAt)
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("%w: version %d of %s already exists", ErrInvalidRecipe, rec.Version, rec.Name)
		}
		if err != nil {
			return err
		}
		for i := range rec.Lines {
			l := &rec.Lines[i]
			err := tx.QueryRow(ctx, `INSERT INTO recipe_lines (recipe_id, line_no, ingredient_name, inventory_item_id, quantity, unit)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
				rec.ID, i+1, l.IngredientName, l.InventoryItemID, l.Quantity, string(l.Unit)).Scan(&l.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Recipe{}, err
	}
	return rec, nil
}
