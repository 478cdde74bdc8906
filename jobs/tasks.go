package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/production"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAlerts carries operational alerts.
	QueueAlerts = "alerts"

	// TaskCloseDailyBooks closes the production book of one business day.
	TaskCloseDailyBooks = "production:close_books"
	// TaskLowStockAlert delivers an inventory low-stock crossing.
	TaskLowStockAlert = "alerts:low_stock"
	// TaskReconciliationAlert delivers a reconciliation variance above threshold.
	TaskReconciliationAlert = "alerts:reconciliation_variance"

	// DefaultCloseBooksCron fires at 21:00 business time.
	DefaultCloseBooksCron = "0 21 * * *"
)

// CloseBooksPayload selects the day to close. An empty Date means today in
// the worker's business time zone.
type CloseBooksPayload struct {
	Date  string `json:"date,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// NewCloseBooksTask constructs a close-books task.
func NewCloseBooksTask(payload CloseBooksPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCloseDailyBooks, data, asynq.MaxRetry(3), asynq.Timeout(5*time.Minute)), nil
}

// NewLowStockAlertTask wraps a low-stock event.
func NewLowStockAlertTask(evt inventory.LowStockCrossed) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockAlert, data, asynq.Queue(QueueAlerts), asynq.MaxRetry(5)), nil
}

// NewReconciliationAlertTask wraps a reconciliation variance event.
func NewReconciliationAlertTask(evt production.ReconciliationVarianceExceeded) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconciliationAlert, data, asynq.Queue(QueueAlerts), asynq.MaxRetry(5)), nil
}
