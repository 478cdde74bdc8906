package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bakehouse/books/internal/inventory"
	jobmetrics "github.com/bakehouse/books/internal/jobs"
	"github.com/bakehouse/books/internal/production"
	"github.com/bakehouse/books/internal/shared"
)

type fakeCloser struct {
	mu     sync.Mutex
	inputs []production.CloseInput
	result production.CloseResult
	err    error
}

func (f *fakeCloser) CloseDay(_ context.Context, in production.CloseInput) (production.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.result, f.err
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id := opt.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Queue: QueueAlerts}, nil
}

func newCloseJob(t *testing.T, closer Closer) *CloseBooksJob {
	t.Helper()
	loc := time.FixedZone("EAT", 3*60*60)
	job := NewCloseBooksJob(closer, 1, loc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	// 22:30 UTC on 30 April is already 1 May at UTC+3.
	job.clock = func() time.Time { return time.Date(2024, 4, 30, 22, 30, 0, 0, time.UTC) }
	return job
}

func TestCloseBooksDefaultsToTodayInBusinessZone(t *testing.T) {
	closer := &fakeCloser{}
	job := newCloseJob(t, closer)

	task, err := NewCloseBooksTask(CloseBooksPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, closer.inputs, 1)
	require.Equal(t, "2024-05-01", closer.inputs[0].Date.Format(shared.DateLayout))
	require.Equal(t, int64(1), closer.inputs[0].ActorID)
	require.False(t, closer.inputs[0].Force)
}

func TestCloseBooksHonoursExplicitDateAndForce(t *testing.T) {
	closer := &fakeCloser{result: production.CloseResult{AlreadyClosed: true}}
	job := newCloseJob(t, closer)

	task, err := NewCloseBooksTask(CloseBooksPayload{Date: "2024-04-28", Force: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "2024-04-28", closer.inputs[0].Date.Format(shared.DateLayout))
	require.True(t, closer.inputs[0].Force)
}

func TestCloseBooksErrors(t *testing.T) {
	closer := &fakeCloser{}
	job := newCloseJob(t, closer)

	err := job.Handle(context.Background(), asynq.NewTask(TaskCloseDailyBooks, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, _ := NewCloseBooksTask(CloseBooksPayload{Date: "01/05/2024"})
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	require.Empty(t, closer.inputs)

	busy := errors.New("redis down")
	closer.err = busy
	task, _ = NewCloseBooksTask(CloseBooksPayload{})
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, busy)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	closer.err = shared.ErrActorRequired
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestPublisherEnqueuesAlertsOnce(t *testing.T) {
	enq := &fakeEnqueuer{}
	pub := NewEventPublisher(enq, nil)
	ctx := context.Background()

	low := inventory.LowStockCrossed{
		ItemID:       3,
		Code:         "FLOUR",
		Stock:        decimal.RequireFromString("4.5"),
		ReorderLevel: decimal.NewFromInt(10),
		StockUnit:    "kg",
		Ref:          inventory.ProductionRef(9),
	}
	require.NoError(t, pub.PublishLowStock(ctx, low))
	require.NoError(t, pub.PublishLowStock(ctx, low))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskLowStockAlert, enq.tasks[0].Type())

	var decoded inventory.LowStockCrossed
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	require.Equal(t, "4.5", decoded.Stock.String())
	require.Equal(t, inventory.ProductionRef(9), decoded.Ref)

	rec := production.ReconciliationVarianceExceeded{
		Date:        time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		Expected:    215,
		Actual:      190,
		VariancePct: decimal.RequireFromString("11.63"),
		Threshold:   decimal.NewFromInt(5),
		OccurredAt:  time.Date(2024, 5, 2, 21, 0, 0, 0, time.UTC),
	}
	require.NoError(t, pub.PublishReconciliationVariance(ctx, rec))
	require.Len(t, enq.tasks, 2)
	require.Equal(t, TaskReconciliationAlert, enq.tasks[1].Type())

	enq.err = errors.New("redis down")
	require.Error(t, pub.PublishLowStock(ctx, inventory.LowStockCrossed{ItemID: 4, Ref: inventory.ProductionRef(10)}))
}

func TestAlertHandlers(t *testing.T) {
	job := NewAlertJob(nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewLowStockAlertTask(inventory.LowStockCrossed{ItemID: 3, Ref: inventory.ProductionRef(9)})
	require.NoError(t, err)
	require.NoError(t, job.HandleLowStock(context.Background(), task))
	require.ErrorIs(t, job.HandleLowStock(context.Background(), asynq.NewTask(TaskLowStockAlert, []byte("{}"))), asynq.SkipRetry)

	task, err = NewReconciliationAlertTask(production.ReconciliationVarianceExceeded{Date: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.NoError(t, job.HandleReconciliation(context.Background(), task))
	require.ErrorIs(t, job.HandleReconciliation(context.Background(), asynq.NewTask(TaskReconciliationAlert, []byte("x"))), asynq.SkipRetry)

	require.Len(t, job.Handlers(), 2)
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsQueues(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/api/jobs", NewHandler(fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueDefault: {Queue: QueueDefault, Pending: 2, Retry: 1},
	}}, nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueDefault, Pending: 2, Retry: 1},
		{Queue: QueueAlerts},
	}, body.Queues)

	r = chi.NewRouter()
	r.Route("/api/jobs", NewHandler(fakeInspector{err: errors.New("down")}, nil, nil).MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnqueueCloseRequiresActorAndClient(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/api/jobs", NewHandler(nil, nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/close-books", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/close-books", nil)
	req.Header.Set("X-Actor-ID", "1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
