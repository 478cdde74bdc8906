package production

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bakehouse/books/internal/catalog"
	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/platform/cache"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	days      map[string]Day
	batches   map[int64]Batch
	nextDay   int64
	nextBatch int64

	corrections []BatchCorrection
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{days: make(map[string]Day), batches: make(map[int64]Batch)}
}

func dayKey(t time.Time) string { return t.Format(shared.DateLayout) }

func copyDay(d Day) Day {
	d.Stock = append([]StockLine(nil), d.Stock...)
	d.Overheads = append([]OverheadLine(nil), d.Overheads...)
	return d
}

// WithTx restores a snapshot when fn fails and runs commit callbacks only on
// success, matching the PostgreSQL repository.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	days := make(map[string]Day, len(r.days))
	for k, v := range r.days {
		days[k] = copyDay(v)
	}
	batches := make(map[int64]Batch, len(r.batches))
	for k, v := range r.batches {
		batches[k] = v
	}
	nextDay, nextBatch := r.nextDay, r.nextBatch
	corrections := r.corrections

	txCtx, flush := db.NewCommitScope(ctx)
	if err := fn(txCtx, &memoryTx{repo: r}); err != nil {
		r.days, r.batches, r.nextDay, r.nextBatch = days, batches, nextDay, nextBatch
		r.corrections = corrections
		return err
	}
	flush()
	return nil
}

func (r *memoryRepo) GetDay(_ context.Context, date time.Time) (Day, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.days[dayKey(date)]
	if !ok {
		return Day{}, ErrDayNotFound
	}
	return copyDay(d), nil
}

func (r *memoryRepo) GetBatch(_ context.Context, id int64) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (r *memoryRepo) ListBatches(_ context.Context, dayID int64) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listBatches(dayID), nil
}

func (r *memoryRepo) LatestClosedBefore(_ context.Context, date time.Time) (Day, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestClosedBefore(date)
}

func (r *memoryRepo) listBatches(dayID int64) []Batch {
	var out []Batch
	for _, b := range r.batches {
		if b.DayID == dayID {
			out = append(out, b)
		}
	}
	sortBatches(out)
	return out
}

func (r *memoryRepo) latestClosedBefore(date time.Time) (Day, error) {
	var best *Day
	for _, d := range r.days {
		if !d.IsClosed() || !d.Date.Before(date) {
			continue
		}
		if best == nil || d.Date.After(best.Date) {
			d := d
			best = &d
		}
	}
	if best == nil {
		return Day{}, ErrDayNotFound
	}
	return copyDay(*best), nil
}

func (tx *memoryTx) EnsureDay(_ context.Context, date time.Time) error {
	if _, ok := tx.repo.days[dayKey(date)]; ok {
		return nil
	}
	tx.repo.nextDay++
	tx.repo.days[dayKey(date)] = Day{ID: tx.repo.nextDay, Date: date, Status: shared.DayStatusOpen}
	return nil
}

func (tx *memoryTx) GetDayForUpdate(_ context.Context, date time.Time) (Day, error) {
	d, ok := tx.repo.days[dayKey(date)]
	if !ok {
		return Day{}, ErrDayNotFound
	}
	return copyDay(d), nil
}

func (tx *memoryTx) LatestClosedBefore(_ context.Context, date time.Time) (Day, error) {
	return tx.repo.latestClosedBefore(date)
}

func (tx *memoryTx) UpdateDay(_ context.Context, d Day) error {
	stored := tx.repo.days[dayKey(d.Date)]
	d.Stock, d.Overheads = stored.Stock, stored.Overheads
	tx.repo.days[dayKey(d.Date)] = d
	return nil
}

func (tx *memoryTx) dayByID(id int64) (string, Day) {
	for k, d := range tx.repo.days {
		if d.ID == id {
			return k, d
		}
	}
	panic(fmt.Sprintf("day %d missing", id))
}

func (tx *memoryTx) SaveStock(_ context.Context, dayID int64, lines []StockLine) error {
	k, d := tx.dayByID(dayID)
	d.Stock = append([]StockLine(nil), lines...)
	tx.repo.days[k] = d
	return nil
}

func (tx *memoryTx) SaveOverhead(_ context.Context, dayID int64, line OverheadLine) error {
	k, d := tx.dayByID(dayID)
	out := make([]OverheadLine, 0, len(d.Overheads)+1)
	for _, l := range d.Overheads {
		if l.Type != line.Type {
			out = append(out, l)
		}
	}
	d.Overheads = append(out, line)
	tx.repo.days[k] = d
	return nil
}

func (tx *memoryTx) ListBatches(_ context.Context, dayID int64) ([]Batch, error) {
	return tx.repo.listBatches(dayID), nil
}

func (tx *memoryTx) InsertBatch(_ context.Context, b Batch) (Batch, error) {
	for _, existing := range tx.repo.batches {
		if existing.DayID == b.DayID && existing.SequenceNo == b.SequenceNo {
			return Batch{}, ErrDuplicateSequence
		}
	}
	tx.repo.nextBatch++
	b.ID = tx.repo.nextBatch
	tx.repo.batches[b.ID] = b
	return b, nil
}

func (tx *memoryTx) UpdateBatch(_ context.Context, b Batch) error {
	stored, ok := tx.repo.batches[b.ID]
	if !ok {
		return ErrBatchNotFound
	}
	b.Finalized = stored.Finalized
	tx.repo.batches[b.ID] = b
	return nil
}

func (tx *memoryTx) InsertCorrection(_ context.Context, c BatchCorrection) (BatchCorrection, error) {
	c.ID = int64(len(tx.repo.corrections) + 1)
	tx.repo.corrections = append(tx.repo.corrections[:len(tx.repo.corrections):len(tx.repo.corrections)], c)
	return c, nil
}

func (tx *memoryTx) SetBatchesFinalized(_ context.Context, dayID int64, finalized bool) error {
	for id, b := range tx.repo.batches {
		if b.DayID == dayID {
			b.Finalized = finalized
			tx.repo.batches[id] = b
		}
	}
	return nil
}

type stubCatalog struct {
	recipes  map[int64]catalog.RecipeCosting
	products map[int64]catalog.Product
}

func (c *stubCatalog) RecipeCost(_ context.Context, id int64) (catalog.RecipeCosting, error) {
	r, ok := c.recipes[id]
	if !ok {
		return catalog.RecipeCosting{}, catalog.ErrRecipeNotFound
	}
	return r, nil
}

func (c *stubCatalog) GetProduct(_ context.Context, id int64) (catalog.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	return p, nil
}

// fakeInventory keeps postings per reference and only makes them visible
// when the surrounding transaction commits.
type fakeInventory struct {
	mu     sync.Mutex
	posted map[inventory.Reference][]inventory.Line
	calls  int
	err    error
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{posted: make(map[inventory.Reference][]inventory.Line)}
}

func (f *fakeInventory) DeductMany(ctx context.Context, in inventory.BatchMovementInput) ([]inventory.Movement, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	db.DeferUntilCommit(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.posted[in.Ref]; !ok {
			f.posted[in.Ref] = in.Lines
		}
	})
	return nil, nil
}

func (f *fakeInventory) Deduct(ctx context.Context, in inventory.MovementInput) (inventory.Movement, error) {
	return f.post(ctx, in, in.Quantity.Neg())
}

func (f *fakeInventory) Credit(ctx context.Context, in inventory.MovementInput) (inventory.Movement, error) {
	return f.post(ctx, in, in.Quantity)
}

// post records a single signed correction line under its reference.
func (f *fakeInventory) post(ctx context.Context, in inventory.MovementInput, signed decimal.Decimal) (inventory.Movement, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return inventory.Movement{}, err
	}
	db.DeferUntilCommit(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.posted[in.Ref]; !ok {
			f.posted[in.Ref] = []inventory.Line{{ItemID: in.ItemID, Quantity: signed}}
		}
	})
	return inventory.Movement{ItemID: in.ItemID, Quantity: signed, Ref: in.Ref}, nil
}

// corrections sums committed batch-correction quantities for one item.
func (f *fakeInventory) corrections(itemID int64) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for ref, lines := range f.posted {
		if ref.Kind != inventory.RefBatchCorrection {
			continue
		}
		for _, l := range lines {
			if l.ItemID == itemID {
				total = total.Add(l.Quantity)
			}
		}
	}
	return total
}

func (f *fakeInventory) postings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ReconciliationVarianceExceeded
}

func (p *recordingPublisher) PublishReconciliationVariance(_ context.Context, evt ReconciliationVarianceExceeded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingLocker struct {
	mu       sync.Mutex
	keys     []string
	released int
}

func (l *recordingLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

const (
	breadID   int64 = 1
	cakeID    int64 = 2
	flourID   int64 = 10
	sugarID   int64 = 11
	wrapperID int64 = 20

	breadRecipe int64 = 100
	cakeRecipe  int64 = 200
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day1 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	inv       *fakeInventory
	publisher *recordingPublisher
	audit     *recordingAudit
	locker    *recordingLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := &stubCatalog{
		recipes: map[int64]catalog.RecipeCosting{
			breadRecipe: {
				RecipeID: breadRecipe, ProductID: breadID, Version: 1, ExpectedOutput: 132,
				IngredientCost: dec("3276"),
				Lines: []costing.LineCost{
					{Ingredient: "Flour", ItemID: flourID, Quantity: dec("36"), Unit: costing.Kilogram, StockQuantity: dec("36"), StockUnit: costing.Kilogram, Cost: dec("2628")},
					{Ingredient: "Sugar", ItemID: sugarID, Quantity: dec("4500"), Unit: costing.Gram, StockQuantity: dec("4.5"), StockUnit: costing.Kilogram, Cost: dec("648")},
				},
			},
			cakeRecipe: {
				RecipeID: cakeRecipe, ProductID: cakeID, Version: 1, ExpectedOutput: 40,
				IngredientCost: dec("1000"),
				Lines: []costing.LineCost{
					{Ingredient: "Flour", ItemID: flourID, Quantity: dec("10"), Unit: costing.Kilogram, StockQuantity: dec("10"), StockUnit: costing.Kilogram, Cost: dec("730")},
					{Ingredient: "Sugar", ItemID: sugarID, Quantity: dec("1.875"), Unit: costing.Kilogram, StockQuantity: dec("1.875"), StockUnit: costing.Kilogram, Cost: dec("270")},
				},
			},
		},
		products: map[int64]catalog.Product{
			breadID: {ID: breadID, Code: "BREAD", Name: "Bread", SellingPrice: dec("35"), HasRejects: true, PackagingItemID: wrapperID, Active: true},
			cakeID:  {ID: cakeID, Code: "CAKE", Name: "Cake", SellingPrice: dec("50"), Active: true},
		},
	}
	f := &fixture{
		repo:      newMemoryRepo(),
		inv:       newFakeInventory(),
		publisher: &recordingPublisher{},
		audit:     &recordingAudit{},
		locker:    &recordingLocker{},
	}
	f.svc = NewService(f.repo, cat, f.inv, f.locker, f.audit, ServiceConfig{}, nil).
		WithPublisher(f.publisher).
		WithNow(func() time.Time { return time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) })
	return f
}

func (f *fixture) batch(t *testing.T, date time.Time, recipe int64, seq int, actual, rejects int64) Batch {
	t.Helper()
	b, err := f.svc.RecordBatch(context.Background(), RecordBatchInput{
		Date: date, RecipeID: recipe, SequenceNo: seq, ActualOutput: actual, RejectCount: rejects, ActorID: 7,
	})
	require.NoError(t, err)
	return b
}

func requireBatchIdentity(t *testing.T, b Batch) {
	t.Helper()
	require.True(t, b.TotalCost.Equal(b.IngredientCost.Add(b.PackagingCost).Add(b.AllocatedOverhead)),
		"batch %d: %s != %s + %s + %s", b.SequenceNo, b.TotalCost, b.IngredientCost, b.PackagingCost, b.AllocatedOverhead)
}

func requireClosingIdentity(t *testing.T, d Day) {
	t.Helper()
	for _, l := range d.Stock {
		require.Equal(t, l.Opening+l.Produced-l.Dispatched+l.Returned, l.Closing, "product %d", l.ProductID)
	}
}

func TestRecordBatchCostsAndDeductsStock(t *testing.T) {
	f := newFixture(t)
	b := f.batch(t, day1, breadRecipe, 1, 130, 0)

	require.NotZero(t, b.ID)
	require.True(t, b.IngredientCost.Equal(dec("3276")))
	require.True(t, b.PackagingCost.Equal(dec("429")))
	require.True(t, b.AllocatedOverhead.IsZero())
	require.True(t, b.TotalCost.Equal(dec("3705")))
	require.True(t, b.CostPerUnit.Equal(dec("28.5")))
	require.Equal(t, int64(-2), b.VarianceUnits)
	require.True(t, b.VariancePct.Equal(dec("-1.52")), b.VariancePct.String())
	require.True(t, b.ExpectedRevenue.Equal(dec("4550")))
	require.True(t, b.GrossProfit.Equal(dec("845")))
	require.True(t, b.InventoryPosted)
	requireBatchIdentity(t, b)

	lines := f.inv.posted[inventory.ProductionRef(b.ID)]
	require.Len(t, lines, 3)
	require.Equal(t, flourID, lines[0].ItemID)
	require.True(t, lines[0].Quantity.Equal(dec("36")))
	require.True(t, lines[1].Quantity.Equal(dec("4.5")))
	require.Equal(t, wrapperID, lines[2].ItemID)
	require.True(t, lines[2].Quantity.Equal(dec("130")))

	require.Equal(t, []string{shared.DayLockKey(day1)}, f.locker.keys)
	require.Equal(t, 1, f.locker.released)
	require.Contains(t, f.audit.actions(), "production:batch_record")

	sum, err := f.svc.GetDay(context.Background(), day1)
	require.NoError(t, err)
	require.Equal(t, shared.DayStatusOpen, sum.Status)
	require.Len(t, sum.Stock, 1)
	require.Equal(t, int64(130), sum.Stock[0].Produced)
}

func TestRejectsCountTowardsStockAndPackaging(t *testing.T) {
	f := newFixture(t)
	b := f.batch(t, day1, breadRecipe, 1, 120, 10)

	require.True(t, b.PackagingCost.Equal(dec("429")))
	require.Equal(t, int64(130), b.ProducedUnits())
	lines := f.inv.posted[inventory.ProductionRef(b.ID)]
	require.True(t, lines[2].Quantity.Equal(dec("130")))

	_, err := f.svc.RecordBatch(context.Background(), RecordBatchInput{
		Date: day1, RecipeID: cakeRecipe, SequenceNo: 2, ActualOutput: 40, RejectCount: 2, ActorID: 7,
	})
	require.ErrorIs(t, err, ErrInvalidBatch)
}

func TestRecordBatchValidatesBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordBatch(ctx, RecordBatchInput{Date: day1, RecipeID: breadRecipe, SequenceNo: 1, ActualOutput: 0, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidBatch)
	_, err = f.svc.RecordBatch(ctx, RecordBatchInput{Date: day1, RecipeID: breadRecipe, SequenceNo: 1, ActualOutput: 10})
	require.ErrorIs(t, err, shared.ErrActorRequired)
	_, err = f.svc.RecordBatch(ctx, RecordBatchInput{Date: day1, RecipeID: 999, SequenceNo: 1, ActualOutput: 10, ActorID: 7})
	require.ErrorIs(t, err, catalog.ErrRecipeNotFound)

	require.Zero(t, f.inv.calls)
	_, err = f.svc.GetDay(ctx, day1)
	require.ErrorIs(t, err, ErrDayNotFound)

	f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err = f.svc.RecordBatch(ctx, RecordBatchInput{Date: day1, RecipeID: cakeRecipe, SequenceNo: 1, ActualOutput: 40, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidBatch)
	require.Equal(t, 1, f.inv.calls)
	require.Equal(t, 1, f.inv.postings())
}

func TestInventoryFailureRollsBackWholeBatch(t *testing.T) {
	f := newFixture(t)
	f.inv.err = fmt.Errorf("%w: flour", inventory.ErrInsufficientStock)

	_, err := f.svc.RecordBatch(context.Background(), RecordBatchInput{
		Date: day1, RecipeID: breadRecipe, SequenceNo: 1, ActualOutput: 130, ActorID: 7,
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Empty(t, f.repo.batches)
	require.Empty(t, f.repo.days)
	require.Zero(t, f.inv.postings())
	require.Empty(t, f.audit.logs)
	require.Equal(t, 1, f.locker.released)
}

func TestOverheadAllocatedProportionallyToIngredientCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.batch(t, day1, breadRecipe, 1, 130, 0)
	f.batch(t, day1, cakeRecipe, 2, 40, 0)

	_, err := f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadDiesel, Amount: dec("600"), ActorID: 7})
	require.NoError(t, err)
	sum, err := f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadFirewood, Amount: dec("400"), Vendor: "Mill", ActorID: 7})
	require.NoError(t, err)

	require.True(t, sum.TotalOverhead.Equal(dec("1000")))
	require.Len(t, sum.Batches, 2)
	require.True(t, sum.Batches[0].AllocatedOverhead.Equal(dec("766.14")), sum.Batches[0].AllocatedOverhead.String())
	require.True(t, sum.Batches[1].AllocatedOverhead.Equal(dec("233.86")), sum.Batches[1].AllocatedOverhead.String())
	require.True(t, sum.AllocationBalanced)
	require.True(t, sum.UnallocatedOverhead.IsZero())
	for _, b := range sum.Batches {
		requireBatchIdentity(t, b)
	}

	// replacing a line replaces its amount rather than adding to it
	sum, err = f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadDiesel, Amount: dec("100"), ActorID: 7})
	require.NoError(t, err)
	require.True(t, sum.TotalOverhead.Equal(dec("500")))
	require.Len(t, sum.Overheads, 2)
	require.True(t, sum.AllocationBalanced)

	_, err = f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: "GAS", Amount: dec("1"), ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadOther, Amount: dec("-1"), ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAllocationStaysBalancedUnderRepeatedRecomputation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for seq := 1; seq <= 7; seq++ {
		recipe := breadRecipe
		if seq%2 == 0 {
			recipe = cakeRecipe
		}
		f.batch(t, day1, recipe, seq, int64(20+rng.Intn(100)), 0)
		amount := decimal.New(rng.Int63n(500000), -2)
		sum, err := f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadElectricity, Amount: amount, ActorID: 7})
		require.NoError(t, err)
		require.True(t, sum.AllocationBalanced, "seq %d overhead %s allocated %s", seq, sum.TotalOverhead, sum.AllocatedOverhead)
		for _, b := range sum.Batches {
			requireBatchIdentity(t, b)
		}
	}
}

func TestUpdateBatchRecomputesAndCorrectsPackaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err := f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadDiesel, Amount: dec("100"), ActorID: 7})
	require.NoError(t, err)

	out := int64(120)
	notes := " oven ran cold "
	updated, err := f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, ActualOutput: &out, Notes: &notes, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(120), updated.ActualOutput)
	require.Equal(t, "oven ran cold", updated.Notes)
	require.True(t, updated.AllocatedOverhead.Equal(dec("100")))
	require.True(t, updated.PackagingCost.Equal(dec("396")))
	require.True(t, updated.IngredientCost.Equal(dec("3276")))
	require.Equal(t, int64(-12), updated.VarianceUnits)
	requireBatchIdentity(t, updated)
	require.Equal(t, 1, f.inv.calls)
	// Ten fewer loaves were wrapped, so ten wrappers go back to stock.
	require.True(t, f.inv.corrections(wrapperID).Equal(dec("10")))
	require.Len(t, f.repo.corrections, 1)
	require.Equal(t, int64(-10), f.repo.corrections[0].PackagedDelta)

	sum, err := f.svc.GetDay(ctx, day1)
	require.NoError(t, err)
	require.Equal(t, int64(120), sum.Stock[0].Produced)

	rejects := int64(5)
	updated, err = f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, RejectCount: &rejects, ActorID: 7})
	require.NoError(t, err)
	require.True(t, updated.PackagingCost.Equal(dec("412.5")))
	require.True(t, f.inv.corrections(wrapperID).Equal(dec("5")))
	require.Equal(t, 1, f.inv.calls)

	// Notes alone leave packaging stock where it is.
	notes = "checked"
	_, err = f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, Notes: &notes, ActorID: 7})
	require.NoError(t, err)
	require.Len(t, f.repo.corrections, 2)

	zero := int64(0)
	_, err = f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, ActualOutput: &zero, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidBatch)
	_, err = f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: 999, ActualOutput: &out, ActorID: 7})
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestUpdateBatchRollsBackWhenPackagingShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.batch(t, day1, breadRecipe, 1, 120, 0)

	f.inv.err = inventory.ErrInsufficientStock
	out := int64(130)
	_, err := f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, ActualOutput: &out, ActorID: 7})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	stored, err := f.repo.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(120), stored.ActualOutput)
	require.Empty(t, f.repo.corrections)
	require.True(t, f.inv.corrections(wrapperID).IsZero())
}

func TestCloseDayComputesClosingStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetOpeningSeed(ctx, StockCountInput{Date: day1, ProductID: breadID, Quantity: 50, ActorID: 7})
	require.NoError(t, err)
	f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err = f.svc.RecordSales(ctx, SalesInput{Date: day1, ProductID: breadID, Dispatched: 100, Returned: 5, ActorID: 7})
	require.NoError(t, err)

	res, err := f.svc.CloseDay(ctx, CloseInput{Date: day1, ActorID: 7})
	require.NoError(t, err)
	require.False(t, res.AlreadyClosed)
	closed := res.Summary
	require.Equal(t, shared.DayStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	require.Equal(t, int64(7), closed.ClosedBy)
	require.Len(t, closed.Stock, 1)
	require.Equal(t, int64(50), closed.Stock[0].Opening)
	require.Equal(t, int64(130), closed.Stock[0].Produced)
	require.Equal(t, int64(85), closed.Stock[0].Closing)
	require.False(t, closed.HasVariance)
	require.True(t, closed.VariancePct.IsZero())
	requireClosingIdentity(t, closed.Day)
	for _, b := range closed.Batches {
		require.True(t, b.Finalized)
	}
	require.Empty(t, f.publisher.events)
	require.Contains(t, f.audit.actions(), "production:day_close")

	day2 := day1.AddDate(0, 0, 1)
	_, err = f.svc.RecordSales(ctx, SalesInput{Date: day2, ProductID: breadID, Dispatched: 20, ActorID: 7})
	require.NoError(t, err)
	next, err := f.svc.GetDay(ctx, day2)
	require.NoError(t, err)
	require.Equal(t, int64(85), next.Stock[0].Opening)
	require.Equal(t, int64(65), next.Stock[0].Closing)
	requireClosingIdentity(t, next.Day)
}

func TestOpeningStockIsComputedOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day2 := day1.AddDate(0, 0, 1)

	// day 2 exists before day 1 closes
	_, err := f.svc.RecordSales(ctx, SalesInput{Date: day2, ProductID: breadID, Dispatched: 10, ActorID: 7})
	require.NoError(t, err)
	f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err = f.svc.CloseDay(ctx, CloseInput{Date: day1, ActorID: 7})
	require.NoError(t, err)

	next, err := f.svc.GetDay(ctx, day2)
	require.NoError(t, err)
	require.Equal(t, int64(130), next.Stock[0].Opening)
	require.Equal(t, int64(120), next.Stock[0].Closing)

	_, err = f.svc.ReopenDay(ctx, ReopenInput{Date: day1, ActorID: 1, Reason: "miscounted"})
	require.NoError(t, err)
	next, err = f.svc.GetDay(ctx, day2)
	require.NoError(t, err)
	require.Equal(t, int64(0), next.Stock[0].Opening)
}

func TestCloseDayIsIdempotentAndLocksTheDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err := f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadDiesel, Amount: dec("250"), ActorID: 7})
	require.NoError(t, err)

	first, err := f.svc.CloseDay(ctx, CloseInput{Date: day1, ActorID: 7})
	require.NoError(t, err)
	again, err := f.svc.CloseDay(ctx, CloseInput{Date: day1, ActorID: 8})
	require.NoError(t, err)
	require.True(t, again.AlreadyClosed)
	require.Equal(t, int64(7), again.Summary.ClosedBy)
	require.Equal(t, first.Summary.ClosedAt, again.Summary.ClosedAt)

	_, err = f.svc.RecordBatch(ctx, RecordBatchInput{Date: day1, RecipeID: cakeRecipe, SequenceNo: 2, ActualOutput: 40, ActorID: 7})
	require.ErrorIs(t, err, ErrDayClosed)
	out := int64(1)
	_, err = f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, ActualOutput: &out, ActorID: 7})
	require.ErrorIs(t, err, ErrBatchLocked)
	_, err = f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadDiesel, Amount: dec("999"), ActorID: 7})
	require.ErrorIs(t, err, ErrDayClosed)
	_, err = f.svc.RecordSales(ctx, SalesInput{Date: day1, ProductID: breadID, Dispatched: 1, ActorID: 7})
	require.ErrorIs(t, err, ErrDayClosed)

	sum, err := f.svc.GetDay(ctx, day1)
	require.NoError(t, err)
	require.True(t, sum.TotalOverhead.Equal(dec("250")))
	require.True(t, sum.Batches[0].AllocatedOverhead.Equal(dec("250")))
	require.True(t, sum.Batches[0].Finalized)

	forced, err := f.svc.CloseDay(ctx, CloseInput{Date: day1, ActorID: 9, Force: true})
	require.NoError(t, err)
	require.False(t, forced.AlreadyClosed)
	require.Equal(t, int64(9), forced.Summary.ClosedBy)
	requireClosingIdentity(t, forced.Summary.Day)
}

func TestReconciliationVarianceIsFlaggedAndPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day2 := day1.AddDate(0, 0, 1)

	for _, tc := range []struct {
		date    time.Time
		counted int64
		flagged bool
		pct     string
	}{
		{date: day1, counted: 80, flagged: false, pct: "2.78"},
		// opening is day 1's closing of 85, not the seed
		{date: day2, counted: 95, flagged: true, pct: "11.63"},
	} {
		_, err := f.svc.SetOpeningSeed(ctx, StockCountInput{Date: tc.date, ProductID: breadID, Quantity: 50, ActorID: 7})
		require.NoError(t, err)
		f.batch(t, tc.date, breadRecipe, 1, 130, 0)
		_, err = f.svc.RecordSales(ctx, SalesInput{Date: tc.date, ProductID: breadID, Dispatched: 100, Returned: 5, ActorID: 7})
		require.NoError(t, err)
		_, err = f.svc.RecordPhysicalCount(ctx, StockCountInput{Date: tc.date, ProductID: breadID, Quantity: tc.counted, ActorID: 7})
		require.NoError(t, err)

		res, err := f.svc.CloseDay(ctx, CloseInput{Date: tc.date, ActorID: 7})
		require.NoError(t, err)
		require.Equal(t, tc.flagged, res.Summary.HasVariance)
		require.True(t, res.Summary.VariancePct.Equal(dec(tc.pct)), res.Summary.VariancePct.String())
		requireClosingIdentity(t, res.Summary.Day)
	}

	require.Len(t, f.publisher.events, 1)
	evt := f.publisher.events[0]
	require.True(t, evt.Date.Equal(day2))
	require.Equal(t, int64(215), evt.Expected)
	require.True(t, evt.Threshold.Equal(dec("5")))
}

func TestReopenDayRequiresClosedDayAndReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ReopenDay(ctx, ReopenInput{Date: day1, ActorID: 1, Reason: "x"})
	require.ErrorIs(t, err, ErrDayNotFound)

	b := f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err = f.svc.ReopenDay(ctx, ReopenInput{Date: day1, ActorID: 1, Reason: "x"})
	require.ErrorIs(t, err, ErrDayNotClosed)

	_, err = f.svc.CloseDay(ctx, CloseInput{Date: day1, ActorID: 7})
	require.NoError(t, err)
	_, err = f.svc.ReopenDay(ctx, ReopenInput{Date: day1, ActorID: 1, Reason: "   "})
	require.ErrorIs(t, err, ErrInvalidInput)

	sum, err := f.svc.ReopenDay(ctx, ReopenInput{Date: day1, ActorID: 1, Reason: "late dispatch note"})
	require.NoError(t, err)
	require.Equal(t, shared.DayStatusOpen, sum.Status)
	require.Nil(t, sum.ClosedAt)
	require.Equal(t, "late dispatch note", sum.ReopenReason)
	require.Equal(t, int64(1), sum.ReopenedBy)
	require.False(t, sum.Batches[0].Finalized)

	var reopen *shared.AuditLog
	for i := range f.audit.logs {
		if f.audit.logs[i].Action == "production:day_reopen" {
			reopen = &f.audit.logs[i]
		}
	}
	require.NotNil(t, reopen)
	require.Equal(t, "late dispatch note", reopen.Meta["reason"])
	require.Equal(t, int64(7), reopen.Meta["closed_by"])

	out := int64(125)
	updated, err := f.svc.UpdateBatch(ctx, UpdateBatchInput{BatchID: b.ID, ActualOutput: &out, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(125), updated.ActualOutput)
}

func TestRecordBatchFailsWhenDayLockIsHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t)
	f.svc.locker = cache.NewLocker(rdb, time.Minute, nil).WithWait(100 * time.Millisecond)

	held, err := redislock.New(rdb).Obtain(context.Background(), shared.DayLockKey(day1), time.Minute, nil)
	require.NoError(t, err)

	_, err = f.svc.RecordBatch(context.Background(), RecordBatchInput{
		Date: day1, RecipeID: breadRecipe, SequenceNo: 1, ActualOutput: 130, ActorID: 7,
	})
	require.ErrorIs(t, err, cache.ErrLockNotObtained)
	require.Zero(t, f.inv.calls)

	require.NoError(t, held.Release(context.Background()))
	f.batch(t, day1, breadRecipe, 1, 130, 0)
	require.False(t, mr.Exists(shared.DayLockKey(day1)))
}

func TestConcurrentBatchesKeepAllocationConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetOverheadLine(ctx, OverheadInput{Date: day1, Type: OverheadFuelDistribution, Amount: dec("333.33"), ActorID: 7})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for seq := 1; seq <= 6; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			_, err := f.svc.RecordBatch(ctx, RecordBatchInput{
				Date: day1, RecipeID: breadRecipe, SequenceNo: seq, ActualOutput: 100, ActorID: 7,
			})
			errs <- err
		}(seq)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sum, err := f.svc.GetDay(ctx, day1)
	require.NoError(t, err)
	require.Len(t, sum.Batches, 6)
	require.True(t, sum.AllocationBalanced)
	require.Equal(t, int64(600), sum.Stock[0].Produced)
	// equal shares truncate to 55.55; the residual lands on the lowest sequence number
	require.True(t, sum.Batches[0].AllocatedOverhead.Equal(dec("55.58")), sum.Batches[0].AllocatedOverhead.String())
	require.True(t, sum.Batches[5].AllocatedOverhead.Equal(dec("55.55")))
}

// gatedRepo holds LatestClosedBefore until release is closed and records
// whether the lookup ctx had been cancelled by then.
type gatedRepo struct {
	*memoryRepo
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ctxErrs []error
}

func (g *gatedRepo) LatestClosedBefore(ctx context.Context, date time.Time) (Day, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	g.mu.Lock()
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	g.mu.Unlock()
	return g.memoryRepo.LatestClosedBefore(ctx, date)
}

func TestPriorClosedSurvivesCancelledFirstCaller(t *testing.T) {
	f := newFixture(t)
	f.batch(t, day1, breadRecipe, 1, 130, 0)
	_, err := f.svc.CloseDay(context.Background(), CloseInput{Date: day1, ActorID: 7})
	require.NoError(t, err)

	gated := &gatedRepo{memoryRepo: f.repo, started: make(chan struct{}), release: make(chan struct{})}
	f.svc.repo = gated
	day2 := day1.AddDate(0, 0, 1)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.priorClosed(firstCtx, day2)
		firstErr <- err
	}()
	<-gated.started

	type result struct {
		day *Day
		err error
	}
	second := make(chan result, 1)
	go func() {
		d, err := f.svc.priorClosed(context.Background(), day2)
		second <- result{d, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(gated.release)

	got := <-second
	require.NoError(t, got.err)
	require.NotNil(t, got.day)
	require.True(t, got.day.Date.Equal(day1))

	gated.mu.Lock()
	defer gated.mu.Unlock()
	for _, e := range gated.ctxErrs {
		require.NoError(t, e)
	}
}
