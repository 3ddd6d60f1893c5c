package store

import (
	"context"
	"fmt"
)

// CompactEntries removes persisted duplicate rows that share a request ID,
// keeping the earliest row by timestamp. This is a second line of defense
// against dedup policy changes across application versions; the in-pass
// deduplicator remains the primary mechanism.
func (s *Store) CompactEntries(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: compact begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM usage_entries
		WHERE entry_id IN (
			WITH ranked AS (
				SELECT
					entry_id,
					ROW_NUMBER() OVER (
						PARTITION BY request_id
						ORDER BY occurred_at ASC, entry_id ASC
					) AS rn
				FROM usage_entries
				WHERE request_id IS NOT NULL AND request_id != ''
			)
			SELECT entry_id FROM ranked WHERE rn > 1
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: compact delete duplicate rows: %w", err)
	}
	removed, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: compact commit tx: %w", err)
	}
	return removed, nil
}

type StoreStats struct {
	Entries      int64
	DailyRows    int64
	ModelRows    int64
	ProjectRows  int64
	TrackedFiles int64
}

func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	if s == nil || s.db == nil {
		return StoreStats{}, fmt.Errorf("store: not initialized")
	}
	stats := StoreStats{}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"usage_entries", &stats.Entries},
		{"daily_stats", &stats.DailyRows},
		{"model_stats", &stats.ModelRows},
		{"project_stats", &stats.ProjectRows},
		{"file_state", &stats.TrackedFiles},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return StoreStats{}, fmt.Errorf("store: count %s: %w", c.table, err)
		}
	}
	return stats, nil
}
