package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
)

const batchSequenceConstraint = "production_batches_day_sequence_uniq"

// Repository persists day books and batches in PostgreSQL.
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
	EnsureDay(ctx context.Context, date time.Time) error
	GetDayForUpdate(ctx context.Context, date time.Time) (Day, error)
	LatestClosedBefore(ctx context.Context, date time.Time) (Day, error)
	UpdateDay(ctx context.Context, day Day) error
	SaveStock(ctx context.Context, dayID int64, lines []StockLine) error
	SaveOverhead(ctx context.Context, dayID int64, line OverheadLine) error
	ListBatches(ctx context.Context, dayID int64) ([]Batch, error)
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	UpdateBatch(ctx context.Context, b Batch) error
	InsertCorrection(ctx context.Context, c BatchCorrection) (BatchCorrection, error)
	SetBatchesFinalized(ctx context.Context, dayID int64, finalized bool) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction. The
// transaction travels in the callback's ctx so inventory postings join it.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetDay loads a day with its stock and overhead lines.
func (r *Repository) GetDay(ctx context.Context, date time.Time) (Day, error) {
	q := db.Conn(ctx, r.conn)
	day, err := scanDay(q.QueryRow(ctx, `SELECT `+dayColumns+` FROM production_days WHERE business_date=$1`, date))
	if err != nil {
		return Day{}, err
	}
	return loadLines(ctx, q, day)
}

// LatestClosedBefore loads the most recent closed day before date.
func (r *Repository) LatestClosedBefore(ctx context.Context, date time.Time) (Day, error) {
	return latestClosedBefore(ctx, db.Conn(ctx, r.conn), date)
}

// GetBatch loads one batch.
func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	row := db.Conn(ctx, r.conn).QueryRow(ctx, `SELECT `+batchColumns+`
FROM production_batches b JOIN production_days d ON d.id = b.day_id WHERE b.id=$1`, id)
	return scanBatch(row)
}

// ListBatches lists the batches of a day by sequence number.
func (r *Repository) ListBatches(ctx context.Context, dayID int64) ([]Batch, error) {
	return listBatches(ctx, db.Conn(ctx, r.conn), dayID)
}

const dayColumns = `id, business_date, status, total_overhead, expected_total, actual_total, variance_pct,
has_variance, closed_at, COALESCE(closed_by, 0), reopened_at, COALESCE(reopened_by, 0), reopen_reason`

func scanDay(row pgx.Row) (Day, error) {
	var d Day
	err := row.Scan(&d.ID, &d.Date, &d.Status, &d.TotalOverhead, &d.ExpectedTotal, &d.ActualTotal, &d.VariancePct,
		&d.HasVariance, &d.ClosedAt, &d.ClosedBy, &d.ReopenedAt, &d.ReopenedBy, &d.ReopenReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Day{}, ErrDayNotFound
		}
		return Day{}, err
	}
	d.Date = shared.TruncateDay(d.Date)
	return d, nil
}

func loadLines(ctx context.Context, q db.Querier, day Day) (Day, error) {
	rows, err := q.Query(ctx, `SELECT product_id, opening_seed, opening, produced, dispatched, returned, physical_count, closing
FROM production_day_stock WHERE day_id=$1 ORDER BY product_id`, day.ID)
	if err != nil {
		return Day{}, err
	}
	defer rows.Close()
	day.Stock = nil
	for rows.Next() {
		var l StockLine
		if err := rows.Scan(&l.ProductID, &l.OpeningSeed, &l.Opening, &l.Produced, &l.Dispatched, &l.Returned,
			&l.PhysicalCount, &l.Closing); err != nil {
			return Day{}, err
		}
		day.Stock = append(day.Stock, l)
	}
	if err := rows.Err(); err != nil {
		return Day{}, err
	}

	ohRows, err := q.Query(ctx, `SELECT cost_type, amount, description, receipt_no, vendor, updated_by, updated_at
FROM production_overheads WHERE day_id=$1 ORDER BY cost_type`, day.ID)
	if err != nil {
		return Day{}, err
	}
	defer ohRows.Close()
	day.Overheads = nil
	for ohRows.Next() {
		var l OverheadLine
		var kind string
		if err := ohRows.Scan(&kind, &l.Amount, &l.Description, &l.ReceiptNo, &l.Vendor, &l.UpdatedBy, &l.UpdatedAt); err != nil {
			return Day{}, err
		}
		l.Type = OverheadType(kind)
		day.Overheads = append(day.Overheads, l)
	}
	return day, ohRows.Err()
}

func latestClosedBefore(ctx context.Context, q db.Querier, date time.Time) (Day, error) {
	day, err := scanDay(q.QueryRow(ctx, `SELECT `+dayColumns+` FROM production_days
WHERE business_date < $1 AND status = $2 ORDER BY business_date DESC LIMIT 1`, date, shared.DayStatusClosed))
	if err != nil {
		return Day{}, err
	}
	return loadLines(ctx, q, day)
}

const batchColumns = `b.id, b.day_id, d.business_date, b.recipe_id, b.product_id, b.sequence_no,
b.actual_output, b.reject_count, b.expected_output, b.has_rejects, b.selling_price, b.packaging_unit_cost,
b.ingredient_cost, b.packaging_cost, b.allocated_overhead, b.total_cost, b.cost_per_unit, b.variance_units,
b.variance_pct, b.expected_revenue, b.gross_profit, b.margin_pct, b.inventory_posted, b.finalized, b.notes,
b.created_by, b.created_at, b.updated_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.DayID, &b.Date, &b.RecipeID, &b.ProductID, &b.SequenceNo,
		&b.ActualOutput, &b.RejectCount, &b.ExpectedOutput, &b.HasRejects, &b.SellingPrice, &b.PackagingUnitCost,
		&b.IngredientCost, &b.PackagingCost, &b.AllocatedOverhead, &b.TotalCost, &b.CostPerUnit, &b.VarianceUnits,
		&b.VariancePct, &b.ExpectedRevenue, &b.GrossProfit, &b.MarginPct, &b.InventoryPosted, &b.Finalized, &b.Notes,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	b.Date = shared.TruncateDay(b.Date)
	return b, nil
}

func listBatches(ctx context.Context, q db.Querier, dayID int64) ([]Batch, error) {
	rows, err := q.Query(ctx, `SELECT `+batchColumns+`
FROM production_batches b JOIN production_days d ON d.id = b.day_id
WHERE b.day_id=$1 ORDER BY b.sequence_no`, dayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *txRepo) EnsureDay(ctx context.Context, date time.Time) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO production_days (business_date, status, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW()) ON CONFLICT (business_date) DO NOTHING`, date, shared.DayStatusOpen)
	return err
}

func (r *txRepo) GetDayForUpdate(ctx context.Context, date time.Time) (Day, error) {
	day, err := scanDay(r.tx.QueryRow(ctx, `SELECT `+dayColumns+` FROM production_days WHERE business_date=$1 FOR UPDATE`, date))
	if err != nil {
		return Day{}, err
	}
	return loadLines(ctx, r.tx, day)
}

func (r *txRepo) LatestClosedBefore(ctx context.Context, date time.Time) (Day, error) {
	return latestClosedBefore(ctx, r.tx, date)
}

func (r *txRepo) UpdateDay(ctx context.Context, d Day) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_days SET status=$2, total_overhead=$3, expected_total=$4, actual_total=$5,
variance_pct=$6, has_variance=$7, closed_at=$8, closed_by=NULLIF($9, 0), reopened_at=$10, reopened_by=NULLIF($11, 0),
reopen_reason=$12, updated_at=NOW() WHERE id=$1`,
		d.ID, d.Status, d.TotalOverhead, d.ExpectedTotal, d.ActualTotal, d.VariancePct, d.HasVariance,
		d.ClosedAt, d.ClosedBy, d.ReopenedAt, d.ReopenedBy, d.ReopenReason)
	return err
}

func (r *txRepo) SaveStock(ctx context.Context, dayID int64, lines []StockLine) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`INSERT INTO production_day_stock
(day_id, product_id, opening_seed, opening, produced, dispatched, returned, physical_count, closing)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (day_id, product_id) DO UPDATE SET opening_seed=EXCLUDED.opening_seed, opening=EXCLUDED.opening,
produced=EXCLUDED.produced, dispatched=EXCLUDED.dispatched, returned=EXCLUDED.returned,
physical_count=EXCLUDED.physical_count, closing=EXCLUDED.closing`,
			dayID, l.ProductID, l.OpeningSeed, l.Opening, l.Produced, l.Dispatched, l.Returned, l.PhysicalCount, l.Closing)
	}
	br := r.tx.SendBatch(ctx, batch)
	for range lines {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("save day stock: %w", err)
		}
	}
	return br.Close()
}

func (r *txRepo) SaveOverhead(ctx context.Context, dayID int64, l OverheadLine) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO production_overheads
(day_id, cost_type, amount, description, receipt_no, vendor, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (day_id, cost_type) DO UPDATE SET amount=EXCLUDED.amount, description=EXCLUDED.description,
receipt_no=EXCLUDED.receipt_no, vendor=EXCLUDED.vendor, updated_by=EXCLUDED.updated_by, updated_at=EXCLUDED.updated_at`,
		dayID, string(l.Type), l.Amount, l.Description, l.ReceiptNo, l.Vendor, l.UpdatedBy, l.UpdatedAt)
	return err
}

func (r *txRepo) ListBatches(ctx context.Context, dayID int64) ([]Batch, error) {
	return listBatches(ctx, r.tx, dayID)
}

func (r *txRepo) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO production_batches
(day_id, recipe_id, product_id, sequence_no, actual_output, reject_count, expected_output, has_rejects,
 selling_price, packaging_unit_cost, ingredient_cost, packaging_cost, allocated_overhead, total_cost, cost_per_unit,
 variance_units, variance_pct, expected_revenue, gross_profit, margin_pct, inventory_posted, finalized, notes,
 created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
RETURNING id`,
		b.DayID, b.RecipeID, b.ProductID, b.SequenceNo, b.ActualOutput, b.RejectCount, b.ExpectedOutput, b.HasRejects,
		b.SellingPrice, b.PackagingUnitCost, b.IngredientCost, b.PackagingCost, b.AllocatedOverhead, b.TotalCost, b.CostPerUnit,
		b.VarianceUnits, b.VariancePct, b.ExpectedRevenue, b.GrossProfit, b.MarginPct, b.InventoryPosted, b.Finalized, b.Notes,
		b.CreatedBy, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		if shared.IsUniqueViolation(err, batchSequenceConstraint) {
			return Batch{}, fmt.Errorf("%w: sequence %d", ErrDuplicateSequence, b.SequenceNo)
		}
		return Batch{}, err
	}
	return b, nil
}

func (r *txRepo) UpdateBatch(ctx context.Context, b Batch) error {
	tag, err := r.tx.Exec(ctx, `UPDATE production_batches SET actual_output=$2, reject_count=$3, packaging_cost=$4,
allocated_overhead=$5, total_cost=$6, cost_per_unit=$7, variance_units=$8, variance_pct=$9, expected_revenue=$10,
gross_profit=$11, margin_pct=$12, inventory_posted=$13, notes=$14, updated_at=$15 WHERE id=$1`,
		b.ID, b.ActualOutput, b.RejectCount, b.PackagingCost, b.AllocatedOverhead, b.TotalCost, b.CostPerUnit,
		b.VarianceUnits, b.VariancePct, b.ExpectedRevenue, b.GrossProfit, b.MarginPct, b.InventoryPosted, b.Notes, b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepo) InsertCorrection(ctx context.Context, c BatchCorrection) (BatchCorrection, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO production_batch_corrections
(batch_id, packaging_item_id, packaged_delta, created_by, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.BatchID, c.PackagingItemID, c.PackagedDelta, c.CreatedBy, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return BatchCorrection{}, err
	}
	return c, nil
}

func (r *txRepo) SetBatchesFinalized(ctx context.Context, dayID int64, finalized bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_batches SET finalized=$2, updated_at=NOW() WHERE day_id=$1`, dayID, finalized)
	return err
}
