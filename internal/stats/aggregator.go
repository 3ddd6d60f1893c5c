// Package stats folds deduplicated usage entries into grouped summaries by
// calendar date, model, and project, plus global totals.
package stats

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/claudemeter/claudemeter/internal/core"
	"github.com/claudemeter/claudemeter/internal/pricing"
)

// Plausibility band for the average cost per billable request. Results
// outside the band are flagged in the log, never rejected.
const (
	DefaultMinPlausibleAvgCost = 1e-6
	DefaultMaxPlausibleAvgCost = 10.0
)

type Aggregator struct {
	calc     *pricing.Calculator
	location *time.Location

	minPlausibleAvg float64
	maxPlausibleAvg float64
}

type Option func(*Aggregator)

// WithLocation sets the location used to derive the calendar-date grouping
// key from entry timestamps.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithPlausibleAvgCostBounds overrides the warning band for the average cost
// per request.
func WithPlausibleAvgCostBounds(min, max float64) Option {
	return func(a *Aggregator) {
		a.minPlausibleAvg = min
		a.maxPlausibleAvg = max
	}
}

func New(calc *pricing.Calculator, opts ...Option) *Aggregator {
	a := &Aggregator{
		calc:            calc,
		location:        time.Local,
		minPlausibleAvg: DefaultMinPlausibleAvgCost,
		maxPlausibleAvg: DefaultMaxPlausibleAvgCost,
	}
	if a.calc == nil {
		a.calc = pricing.NewCalculator(nil)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type group struct {
	tokens   core.TokenTotals
	cost     float64
	sessions map[string]struct{}
	requests map[string]struct{}
	entries  int64
}

func newGroup() *group {
	return &group{
		sessions: make(map[string]struct{}),
		requests: make(map[string]struct{}),
	}
}

func (g *group) add(e core.UsageEntry, cost float64) {
	g.tokens.Add(e)
	g.cost += cost
	g.entries++
	if e.SessionID != "" {
		g.sessions[e.SessionID] = struct{}{}
	}
	if e.RequestID != "" {
		g.requests[e.RequestID] = struct{}{}
	}
}

// Aggregate folds a deduplicated entry stream into Statistics. Summation and
// set union are commutative, so the result is invariant to input order.
func (a *Aggregator) Aggregate(entries []core.UsageEntry) core.Statistics {
	byDay := make(map[string]*group)
	byModel := make(map[string]*group)
	byProject := make(map[string]*group)
	total := newGroup()

	addTo := func(groups map[string]*group, key string, e core.UsageEntry, cost float64) {
		g, ok := groups[key]
		if !ok {
			g = newGroup()
			groups[key] = g
		}
		g.add(e, cost)
	}

	var effective int64
	for _, e := range entries {
		cost := a.calc.CostForEntry(e)
		if cost > 0 {
			effective++
		}

		model := e.Model
		if model == "" {
			model = "unknown"
		}

		addTo(byDay, e.Day(a.location), e, cost)
		addTo(byModel, model, e, cost)
		addTo(byProject, e.ProjectPath, e, cost)
		total.add(e, cost)
	}

	stats := core.Statistics{
		Tokens:                total.tokens,
		CostUSD:               total.cost,
		TotalSessions:         int64(len(total.sessions)),
		TotalRequests:         int64(len(total.requests)),
		TotalEntries:          total.entries,
		EffectiveRequestCount: effective,
		ComputedAt:            time.Now().UTC(),
	}

	stats.Daily = lo.Map(sortedKeys(byDay), func(day string, _ int) core.DailyStatistic {
		g := byDay[day]
		return core.DailyStatistic{
			Date:         day,
			Tokens:       g.tokens,
			CostUSD:      g.cost,
			SessionCount: int64(len(g.sessions)),
			RequestCount: int64(len(g.requests)),
			EntryCount:   g.entries,
		}
	})
	stats.Models = lo.Map(sortedKeys(byModel), func(model string, _ int) core.ModelStatistic {
		g := byModel[model]
		return core.ModelStatistic{
			Model:        model,
			Tokens:       g.tokens,
			CostUSD:      g.cost,
			SessionCount: int64(len(g.sessions)),
			RequestCount: int64(len(g.requests)),
			EntryCount:   g.entries,
		}
	})
	stats.Projects = lo.Map(sortedKeys(byProject), func(project string, _ int) core.ProjectStatistic {
		g := byProject[project]
		return core.ProjectStatistic{
			ProjectPath:  project,
			Tokens:       g.tokens,
			CostUSD:      g.cost,
			SessionCount: int64(len(g.sessions)),
			RequestCount: int64(len(g.requests)),
			EntryCount:   g.entries,
		}
	})

	a.checkAverage(stats)
	return stats
}

func (a *Aggregator) checkAverage(stats core.Statistics) {
	avg := stats.AverageCostPerRequest()
	if avg == 0 {
		return
	}
	if avg < a.minPlausibleAvg || avg > a.maxPlausibleAvg {
		log.Warn().
			Str("component", "stats").
			Float64("avg_cost_per_request", avg).
			Float64("min_plausible", a.minPlausibleAvg).
			Float64("max_plausible", a.maxPlausibleAvg).
			Msg("average cost per request outside plausible band")
	}
}

func sortedKeys(groups map[string]*group) []string {
	keys := lo.Keys(groups)
	sort.Strings(keys)
	return keys
}
