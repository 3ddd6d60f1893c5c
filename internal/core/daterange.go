package core

import (
	"fmt"
	"time"
)

// DateRange is a half-open interval [Start, End). A zero Start or End leaves
// that side unbounded.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RangeForDays returns the range covering the last n calendar days up to now,
// in the given location.
func RangeForDays(n int, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return DateRange{Start: end.AddDate(0, 0, -n), End: end}
}

func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Key is the canonical cache-key form of the range.
func (r DateRange) Key() string {
	format := func(t time.Time) string {
		if t.IsZero() {
			return "open"
		}
		return t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s..%s", format(r.Start), format(r.End))
}
