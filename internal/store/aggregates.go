package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// TouchedKeys names the grouping keys affected by an incremental pass, so
// only their aggregate rows are recomputed.
type TouchedKeys struct {
	Days     []string
	Models   []string
	Projects []string
}

func (k TouchedKeys) isEmpty() bool {
	return len(k.Days) == 0 && len(k.Models) == 0 && len(k.Projects) == 0
}

// Union merges two key sets, deduplicated.
func (k TouchedKeys) Union(other TouchedKeys) TouchedKeys {
	return TouchedKeys{
		Days:     lo.Union(k.Days, other.Days),
		Models:   lo.Union(k.Models, other.Models),
		Projects: lo.Union(k.Projects, other.Projects),
	}
}

type aggregateTable struct {
	table  string
	keyCol string
}

var aggregateTables = []aggregateTable{
	{table: "daily_stats", keyCol: "day"},
	{table: "model_stats", keyCol: "model"},
	{table: "project_stats", keyCol: "project_path"},
}

// RecomputeAllAggregates rebuilds the three aggregate tables wholesale from
// the raw entries, in one transaction.
func (s *Store) RecomputeAllAggregates(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: recompute aggregates begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, at := range aggregateTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+at.table); err != nil {
			return fmt.Errorf("store: clear %s: %w", at.table, err)
		}
		if err := recomputeKeys(ctx, tx, at, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: recompute aggregates commit tx: %w", err)
	}
	return nil
}

// RecomputeAggregates recomputes aggregate rows for the given keys only,
// in one transaction. Session/request counts are recomputed from the raw
// rows, never summed incrementally, so they stay true set cardinalities.
func (s *Store) RecomputeAggregates(ctx context.Context, keys TouchedKeys) error {
	if keys.isEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: recompute touched begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, touched := range [][]string{keys.Days, keys.Models, keys.Projects} {
		if len(touched) == 0 {
			continue
		}
		at := aggregateTables[i]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(touched)), ",")
		args := make([]interface{}, len(touched))
		for j, key := range touched {
			args[j] = key
		}

		del := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, at.table, at.keyCol, placeholders)
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return fmt.Errorf("store: clear touched %s rows: %w", at.table, err)
		}
		if err := recomputeKeys(ctx, tx, at, touched); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: recompute touched commit tx: %w", err)
	}
	return nil
}

func recomputeKeys(ctx context.Context, tx *sql.Tx, at aggregateTable, keys []string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			%s, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, session_count, request_count, entry_count
		)
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
		FROM usage_entries
	`, at.table, at.keyCol, at.keyCol)

	var args []interface{}
	if len(keys) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(` WHERE %s IN (%s)`, at.keyCol, placeholders)
		for _, key := range keys {
			args = append(args, key)
		}
	}
	query += fmt.Sprintf(` GROUP BY %s`, at.keyCol)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: recompute %s: %w", at.table, err)
	}
	return nil
}
