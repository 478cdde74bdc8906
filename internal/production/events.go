package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationVarianceExceeded is emitted when a closed day's stock flow
// misses the reconciliation threshold.
type ReconciliationVarianceExceeded struct {
	Date        time.Time       `json:"date"`
	Expected    int64           `json:"expected"`
	Actual      int64           `json:"actual"`
	VariancePct decimal.Decimal `json:"variance_pct"`
	Threshold   decimal.Decimal `json:"threshold"`
	ClosedBy    int64           `json:"closed_by"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// EventPublisher delivers production events to the alerting collaborator.
type EventPublisher interface {
	PublishReconciliationVariance(ctx context.Context, evt ReconciliationVarianceExceeded) error
}
