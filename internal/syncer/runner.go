package syncer

import (
	"context"
	"errors"
	"time"
)

// Interval is the configurable autosync period, selectable from a small
// enumerated set.
type Interval string

const (
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval3h  Interval = "3h"
	Interval6h  Interval = "6h"

	DefaultInterval = Interval1h
)

var ValidIntervals = []Interval{Interval15m, Interval30m, Interval1h, Interval3h, Interval6h}

func (i Interval) Duration() time.Duration {
	switch i {
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval3h:
		return 3 * time.Hour
	case Interval6h:
		return 6 * time.Hour
	default:
		return time.Hour
	}
}

func ParseInterval(s string) Interval {
	for _, i := range ValidIntervals {
		if string(i) == s {
			return i
		}
	}
	return DefaultInterval
}

// Runner drives periodic incremental syncs. The timer is reset only after a
// pass finishes, so runs never stack: a slow pass simply delays the next one.
type Runner struct {
	coord    *Coordinator
	interval time.Duration
}

func NewRunner(coord *Coordinator, interval Interval) *Runner {
	return &Runner{coord: coord, interval: interval.Duration()}
}

// Run blocks until ctx is cancelled. Coalesced triggers (a manual sync
// already in flight) are not errors; any other failure is logged by the
// coordinator and the next tick proceeds normally.
func (r *Runner) Run(ctx context.Context) error {
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if _, err := r.coord.TriggerIncremental(ctx); err != nil && !errors.Is(err, ErrSyncInFlight) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			timer.Reset(r.interval)
		}
	}
}
