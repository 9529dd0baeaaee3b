package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrSearchExhausted means no offset within a full day lands outside the
// skip hours. This is a configuration smell (every hour blacked out, or an
// interval that only ever lands in blacked-out hours), reported but never
// fatal: the next invocation retries from a fresh now.
var ErrSearchExhausted = errors.New("no allowed wake slot within 24 hours")

// maxSearchMinutes bounds the offset search to one full day.
const maxSearchMinutes = 24 * 60

// NextWake returns the earliest instant of the form now + k*interval
// (k >= 1) whose local hour-of-day is not in skip. The search is purely
// hour-granular: a candidate landing anywhere inside a skipped hour is
// rejected regardless of its minute value.
func NextWake(now time.Time, intervalMinutes int, skip map[int]bool) (time.Time, error) {
	if intervalMinutes <= 0 {
		return time.Time{}, fmt.Errorf("interval must be positive, got %d", intervalMinutes)
	}

	for offset := intervalMinutes; offset <= maxSearchMinutes; offset += intervalMinutes {
		candidate := now.Add(time.Duration(offset) * time.Minute)
		if !skip[candidate.Hour()] {
			return candidate, nil
		}
	}
	return time.Time{}, ErrSearchExhausted
}
