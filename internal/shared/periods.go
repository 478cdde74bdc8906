package shared

import "errors"

// Day book statuses.
const (
	DayStatusOpen   = "OPEN"
	DayStatusClosed = "CLOSED"
)

// ErrInvalidDayTransition indicates status change not allowed.
var ErrInvalidDayTransition = errors.New("day transition invalid")

// ValidateDayTransition checks a day book status change. Closing is allowed
// from OPEN only; reopening a CLOSED day requires the privileged override.
func ValidateDayTransition(current, target string, hasOverride bool) error {
	switch {
	case current == DayStatusOpen && target == DayStatusClosed:
		return nil
	case current == DayStatusClosed && target == DayStatusOpen && hasOverride:
		return nil
	case current == DayStatusClosed && target == DayStatusClosed && hasOverride:
		// forced re-close recomputes figures in place
		return nil
	}
	return ErrInvalidDayTransition
}
