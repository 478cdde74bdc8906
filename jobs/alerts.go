package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/bakehouse/books/internal/inventory"
	jobmetrics "github.com/bakehouse/books/internal/jobs"
	"github.com/bakehouse/books/internal/production"
	"github.com/bakehouse/books/internal/shared"
)

// Enqueuer submits tasks. *asynq.Client and *Client satisfy it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EventPublisher forwards domain events to the alert queue.
type EventPublisher struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

var (
	_ inventory.EventPublisher  = (*EventPublisher)(nil)
	_ production.EventPublisher = (*EventPublisher)(nil)
)

// NewEventPublisher constructs the asynq-backed publisher.
func NewEventPublisher(enqueuer Enqueuer, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{enqueuer: enqueuer, logger: logger}
}

// PublishLowStock enqueues a low-stock alert. The task id is derived from the
// movement reference so a retried publish does not alert twice.
func (p *EventPublisher) PublishLowStock(ctx context.Context, evt inventory.LowStockCrossed) error {
	task, err := NewLowStockAlertTask(evt)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("low_stock:%d:%s", evt.ItemID, evt.Ref)
	return p.enqueue(ctx, task, id)
}

// PublishReconciliationVariance enqueues a reconciliation alert for one
// closing of a day.
func (p *EventPublisher) PublishReconciliationVariance(ctx context.Context, evt production.ReconciliationVarianceExceeded) error {
	task, err := NewReconciliationAlertTask(evt)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("reconciliation:%s:%d", evt.Date.Format(shared.DateLayout), evt.OccurredAt.Unix())
	return p.enqueue(ctx, task, id)
}

func (p *EventPublisher) enqueue(ctx context.Context, task *asynq.Task, id string) error {
	if p == nil || p.enqueuer == nil {
		return errors.New("jobs: publisher not configured")
	}
	_, err := p.enqueuer.EnqueueContext(ctx, task, asynq.TaskID(id))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		p.logger.Debug("alert already queued", slog.String("task_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	p.logger.Info("alert queued", slog.String("type", task.Type()), slog.String("task_id", id))
	return nil
}

// AlertJob handles alert tasks. Delivery to people is out of scope; alerts
// are logged at warn level and counted.
type AlertJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAlertJob constructs the alert handlers.
func NewAlertJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *AlertJob {
	return &AlertJob{Logger: logger, Metrics: metrics}
}

// HandleLowStock processes TaskLowStockAlert.
func (j *AlertJob) HandleLowStock(ctx context.Context, t *asynq.Task) error {
	var evt inventory.LowStockCrossed
	if err := json.Unmarshal(t.Payload(), &evt); err != nil || evt.ItemID <= 0 {
		return fmt.Errorf("low stock alert: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskLowStockAlert)
	j.logger().Warn("stock below reorder level",
		slog.Int64("item_id", evt.ItemID),
		slog.String("code", evt.Code),
		slog.String("name", evt.Name),
		slog.String("stock", evt.Stock.String()),
		slog.String("reorder_level", evt.ReorderLevel.String()),
		slog.String("unit", evt.StockUnit),
		slog.String("ref", evt.Ref.String()),
	)
	j.Metrics.AddAlert("low_stock")
	return tracker.End(nil)
}

// HandleReconciliation processes TaskReconciliationAlert.
func (j *AlertJob) HandleReconciliation(ctx context.Context, t *asynq.Task) error {
	var evt production.ReconciliationVarianceExceeded
	if err := json.Unmarshal(t.Payload(), &evt); err != nil || evt.Date.IsZero() {
		return fmt.Errorf("reconciliation alert: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskReconciliationAlert)
	j.logger().Warn("reconciliation variance above threshold",
		slog.String("date", evt.Date.Format(shared.DateLayout)),
		slog.Int64("expected", evt.Expected),
		slog.Int64("actual", evt.Actual),
		slog.String("variance_pct", evt.VariancePct.String()),
		slog.String("threshold_pct", evt.Threshold.String()),
		slog.Int64("closed_by", evt.ClosedBy),
	)
	j.Metrics.AddAlert("reconciliation_variance")
	return tracker.End(nil)
}

// Handlers lists the alert task handlers for worker registration.
func (j *AlertJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskLowStockAlert, Handler: j.HandleLowStock},
		{Type: TaskReconciliationAlert, Handler: j.HandleReconciliation},
	}
}

func (j *AlertJob) logger() *slog.Logger {
	if j == nil || j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
