package store

import (
	"context"
	"fmt"

	"github.com/claudemeter/claudemeter/internal/core"
)

// Query computes statistics for a date range and optional project filter
// directly from the raw entries, so any filter combination stays correct.
// Cardinalities are COUNT(DISTINCT ...) over the matching rows.
func (s *Store) Query(ctx context.Context, r core.DateRange, project string) (core.Statistics, error) {
	where, args := buildFilter(r, project)

	stats := core.Statistics{ComputedAt: s.now().UTC()}

	totals := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(DISTINCT session_id),
			COUNT(DISTINCT request_id),
			COUNT(*),
			COUNT(CASE WHEN cost_usd > 0 THEN 1 END)
		FROM usage_entries` + where
	if err := s.db.QueryRowContext(ctx, totals, args...).Scan(
		&stats.Tokens.InputTokens,
		&stats.Tokens.OutputTokens,
		&stats.Tokens.CacheCreationTokens,
		&stats.Tokens.CacheReadTokens,
		&stats.CostUSD,
		&stats.TotalSessions,
		&stats.TotalRequests,
		&stats.TotalEntries,
		&stats.EffectiveRequestCount,
	); err != nil {
		return core.Statistics{}, fmt.Errorf("store: query totals: %w", err)
	}

	groupQuery := func(keyCol string) (string, []interface{}) {
		q := fmt.Sprintf(`
			SELECT
				%s,
				COALESCE(SUM(input_tokens), 0),
				COALESCE(SUM(output_tokens), 0),
				COALESCE(SUM(cache_creation_tokens), 0),
				COALESCE(SUM(cache_read_tokens), 0),
				COALESCE(SUM(cost_usd), 0),
				COUNT(DISTINCT session_id),
				COUNT(DISTINCT request_id),
				COUNT(*)
			FROM usage_entries%s
			GROUP BY %s
			ORDER BY %s`, keyCol, where, keyCol, keyCol)
		return q, args
	}

	scanGroups := func(keyCol string, add func(key string, t core.TokenTotals, cost float64, sessions, requests, entries int64)) error {
		q, qargs := groupQuery(keyCol)
		rows, err := s.db.QueryContext(ctx, q, qargs...)
		if err != nil {
			return fmt.Errorf("store: query by %s: %w", keyCol, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key                         string
				t                           core.TokenTotals
				cost                        float64
				sessions, requests, entries int64
			)
			if err := rows.Scan(
				&key,
				&t.InputTokens, &t.OutputTokens, &t.CacheCreationTokens, &t.CacheReadTokens,
				&cost, &sessions, &requests, &entries,
			); err != nil {
				return fmt.Errorf("store: scan %s row: %w", keyCol, err)
			}
			add(key, t, cost, sessions, requests, entries)
		}
		return rows.Err()
	}

	if err := scanGroups("day", func(key string, t core.TokenTotals, cost float64, sessions, requests, entries int64) {
		stats.Daily = append(stats.Daily, core.DailyStatistic{
			Date: key, Tokens: t, CostUSD: cost,
			SessionCount: sessions, RequestCount: requests, EntryCount: entries,
		})
	}); err != nil {
		return core.Statistics{}, err
	}
	if err := scanGroups("model", func(key string, t core.TokenTotals, cost float64, sessions, requests, entries int64) {
		stats.Models = append(stats.Models, core.ModelStatistic{
			Model: key, Tokens: t, CostUSD: cost,
			SessionCount: sessions, RequestCount: requests, EntryCount: entries,
		})
	}); err != nil {
		return core.Statistics{}, err
	}
	if err := scanGroups("project_path", func(key string, t core.TokenTotals, cost float64, sessions, requests, entries int64) {
		stats.Projects = append(stats.Projects, core.ProjectStatistic{
			ProjectPath: key, Tokens: t, CostUSD: cost,
			SessionCount: sessions, RequestCount: requests, EntryCount: entries,
		})
	}); err != nil {
		return core.Statistics{}, err
	}

	// Ingest counters come from the last completed sync rather than the
	// filtered rows; they describe the corpus as a whole.
	syncState, err := s.LoadSyncState(ctx)
	if err != nil {
		return core.Statistics{}, err
	}
	stats.SkippedLines = syncState.SkippedLines
	stats.DuplicateEntries = syncState.DuplicateEntries

	return stats, nil
}

func buildFilter(r core.DateRange, project string) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if !r.Start.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, r.Start.UTC().Format(timeFormat))
	}
	if !r.End.IsZero() {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, r.End.UTC().Format(timeFormat))
	}
	if project != "" {
		clauses = append(clauses, "project_path = ?")
		args = append(args, project)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}
