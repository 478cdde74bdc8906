package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/bakehouse/books/internal/jobs"
	"github.com/bakehouse/books/internal/production"
	"github.com/bakehouse/books/internal/shared"
)

// Closer closes one production day.
type Closer interface {
	CloseDay(ctx context.Context, in production.CloseInput) (production.CloseResult, error)
}

// CloseBooksJob closes the daily production book on schedule.
type CloseBooksJob struct {
	Closer   Closer
	ActorID  int64
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewCloseBooksJob initialises the close-books handler. Days are resolved in
// loc; actorID is recorded as the closer.
func NewCloseBooksJob(closer Closer, actorID int64, loc *time.Location, logger *slog.Logger, metrics *jobmetrics.Metrics) *CloseBooksJob {
	if loc == nil {
		loc = time.UTC
	}
	return &CloseBooksJob{
		Closer:   closer,
		ActorID:  actorID,
		Location: loc,
		Logger:   logger,
		Metrics:  metrics,
		clock:    time.Now,
	}
}

// Handle executes TaskCloseDailyBooks.
func (j *CloseBooksJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Closer == nil {
		return errors.New("close books: handler not configured")
	}
	var payload CloseBooksPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("close books: bad payload: %w", asynq.SkipRetry)
		}
	}
	date, err := j.resolveDate(payload.Date)
	if err != nil {
		return fmt.Errorf("close books: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskCloseDailyBooks)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("date", date.Format(shared.DateLayout)), slog.Bool("force", payload.Force))
	logger.Info("closing books")

	res, err := j.Closer.CloseDay(ctx, production.CloseInput{Date: date, ActorID: j.ActorID, Force: payload.Force})
	if err != nil {
		resultErr = err
		logger.Error("close books failed", slog.Any("error", err))
		if errors.Is(err, shared.ErrActorRequired) || errors.Is(err, production.ErrInvalidInput) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return resultErr
	}

	switch {
	case res.AlreadyClosed:
		j.Metrics.ObserveClose("already_closed")
		logger.Info("books already closed")
	case payload.Force:
		j.Metrics.ObserveClose("forced")
	default:
		j.Metrics.ObserveClose("closed")
	}
	if !res.AlreadyClosed {
		logger.Info("books closed",
			slog.Int("batches", len(res.Summary.Batches)),
			slog.String("total_cost", res.Summary.TotalCost.String()),
			slog.String("variance_pct", res.Summary.VariancePct.String()),
			slog.Bool("has_variance", res.Summary.HasVariance),
		)
	}
	return resultErr
}

func (j *CloseBooksJob) resolveDate(raw string) (time.Time, error) {
	if raw != "" {
		return shared.ParseDay(raw)
	}
	return shared.TruncateDay(j.now().In(j.Location)), nil
}

func (j *CloseBooksJob) now() time.Time {
	if j.clock == nil {
		return time.Now()
	}
	return j.clock()
}

func (j *CloseBooksJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
