package shared

import (
	"fmt"
	"time"
)

// DateLayout is the canonical calendar-day format used in keys and URLs.
const DateLayout = "2006-01-02"

// DayLockKey builds the redis key serialising writes to one production day.
func DayLockKey(day time.Time) string {
	return fmt.Sprintf("production:day:%s:lock", day.Format(DateLayout))
}

// TruncateDay drops the clock part of t in its own location and returns a UTC
// midnight for the same calendar date.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a UTC midnight.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
