package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
)

const movementRefConstraint = "inventory_movements_ref_uniq"

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool db.Beginner
	conn db.Querier
}

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	db.Beginner
	db.Querier
}

// NewRepository constructs Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool, conn: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	FindMovement(ctx context.Context, ref Reference, itemID int64) (Movement, error)
	GetItemForUpdate(ctx context.Context, id int64) (Item, error)
	UpdateItemStock(ctx context.Context, id int64, stock decimal.Decimal, lowStock bool) error
	UpdateItemCost(ctx context.Context, id int64, costPerPurchaseUnit decimal.Decimal) error
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction, joining
// the caller's transaction when ctx carries one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const itemColumns = `id, code, name, kind, stock_unit, purchase_unit, conversion_factor, current_stock,
cost_per_purchase_unit, reorder_level, low_stock, active, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	var kind, unit string
	err := row.Scan(&it.ID, &it.Code, &it.Name, &kind, &unit, &it.PurchaseUnit, &it.ConversionFactor,
		&it.CurrentStock, &it.CostPerPurchaseUnit, &it.ReorderLevel, &it.LowStock, &it.Active, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	it.Kind = ItemKind(kind)
	it.StockUnit = costing.Unit(unit)
	return it, nil
}

// GetItem loads one item.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	row := db.Conn(ctx, r.conn).QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id=$1`, id)
	return scanItem(row)
}

// ListItems lists items ordered by code.
func (r *Repository) ListItems(ctx context.Context, activeOnly bool) ([]Item, error) {
	rows, err := db.Conn(ctx, r.conn).Query(ctx, `SELECT `+itemColumns+` FROM inventory_items
WHERE ($1::bool = false OR active) ORDER BY code`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CreateItem inserts a new item.
func (r *Repository) CreateItem(ctx context.Context, item Item) (Item, error) {
	row := db.Conn(ctx, r.conn).QueryRow(ctx, `INSERT INTO inventory_items
(code, name, kind, stock_unit, purchase_unit, conversion_factor, current_stock, cost_per_purchase_unit, reorder_level, low_stock, active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
RETURNING `+itemColumns,
		item.Code, item.Name, string(item.Kind), string(item.StockUnit), item.PurchaseUnit, item.ConversionFactor,
		item.CurrentStock, item.CostPerPurchaseUnit, item.ReorderLevel, item.LowStock, item.Active)
	created, err := scanItem(row)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Item{}, fmt.Errorf("%w: code %s already exists", ErrInvalidItem, item.Code)
		}
		return Item{}, err
	}
	return created, nil
}

// ListMovements lists movements newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ItemID > 0 {
		add("item_id = $%d", filter.ItemID)
	}
	if filter.Kind != "" {
		add("ref_kind = $%d", string(filter.Kind))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	query := `SELECT ` + movementColumns + ` FROM inventory_movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := db.Conn(ctx, r.conn).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const movementColumns = `id, item_id, quantity, stock_before, stock_after, unit_cost, ref_kind, ref_id, note, actor_id, created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var kind string
	err := row.Scan(&m.ID, &m.ItemID, &m.Quantity, &m.StockBefore, &m.StockAfter, &m.UnitCost,
		&kind, &m.Ref.ID, &m.Note, &m.ActorID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, err
	}
	m.Ref.Kind = RefKind(kind)
	return m, nil
}

func (r *txRepo) FindMovement(ctx context.Context, ref Reference, itemID int64) (Movement, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM inventory_movements
WHERE ref_kind=$1 AND ref_id=$2 AND item_id=$3`, string(ref.Kind), ref.ID, itemID)
	return scanMovement(row)
}

func (r *txRepo) GetItemForUpdate(ctx context.Context, id int64) (Item, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id=$1 FOR UPDATE`, id)
	return scanItem(row)
}

func (r *txRepo) UpdateItemStock(ctx context.Context, id int64, stock decimal.Decimal, lowStock bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_items SET current_stock=$2, low_stock=$3, updated_at=NOW() WHERE id=$1`, id, stock, lowStock)
	return err
}

func (r *txRepo) UpdateItemCost(ctx context.Context, id int64, cost decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_items SET cost_per_purchase_unit=$2, updated_at=NOW() WHERE id=$1`, id, cost)
	return err
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_movements
(item_id, quantity, stock_before, stock_after, unit_cost, ref_kind, ref_id, note, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`, m.ItemID, m.Quantity, m.StockBefore, m.StockAfter, m.UnitCost, string(m.Ref.Kind), m.Ref.ID,
		m.Note, m.ActorID, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		if shared.IsUniqueViolation(err, movementRefConstraint) {
			return Movement{}, fmt.Errorf("%w: %s item %d", ErrDuplicateMovement, m.Ref, m.ItemID)
		}
		return Movement{}, err
	}
	return m, nil
}
