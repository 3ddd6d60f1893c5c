package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/claudemeter/claudemeter/internal/core"
)

// BatchInsert writes entries in a single transaction. Partial batches are
// never observable: either every row commits or none does.
func (s *Store) BatchInsert(ctx context.Context, entries []core.UsageEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: batch insert begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertEntries(ctx, tx, s.loc, entries)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: batch insert commit tx: %w", err)
	}
	return inserted, nil
}

// ReplaceFileEntries atomically swaps the rows sourced from the given files:
// existing rows for those files are deleted and the re-parsed entries
// inserted, all in one transaction. Incremental sync uses this so a grown
// log file never double-counts its earlier lines. The returned TouchedKeys
// holds the grouping keys of the deleted rows; callers must fold them into
// the aggregate recompute, since a replaced file may no longer carry entries
// for a day, model or project it used to.
func (s *Store) ReplaceFileEntries(ctx context.Context, files []string, entries []core.UsageEntry) (int64, TouchedKeys, error) {
	if len(files) == 0 {
		inserted, err := s.BatchInsert(ctx, entries)
		return inserted, TouchedKeys{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, TouchedKeys{}, fmt.Errorf("store: replace entries begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(files)), ",")
	args := make([]interface{}, len(files))
	for i, f := range files {
		args[i] = f
	}

	removed, err := collectFileKeys(ctx, tx, placeholders, args)
	if err != nil {
		return 0, TouchedKeys{}, err
	}

	del := fmt.Sprintf(`DELETE FROM usage_entries WHERE source_file IN (%s)`, placeholders)
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return 0, TouchedKeys{}, fmt.Errorf("store: replace entries delete: %w", err)
	}

	inserted, err := insertEntries(ctx, tx, s.loc, entries)
	if err != nil {
		return 0, TouchedKeys{}, err
	}

	if err := tx.Commit(); err != nil {
		return 0, TouchedKeys{}, fmt.Errorf("store: replace entries commit tx: %w", err)
	}
	return inserted, removed, nil
}

func collectFileKeys(ctx context.Context, tx *sql.Tx, placeholders string, args []interface{}) (TouchedKeys, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT day, model, project_path FROM usage_entries WHERE source_file IN (%s)`,
		placeholders)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return TouchedKeys{}, fmt.Errorf("store: collect replaced keys: %w", err)
	}
	defer rows.Close()

	var keys TouchedKeys
	for rows.Next() {
		var day, model, project string
		if err := rows.Scan(&day, &model, &project); err != nil {
			return TouchedKeys{}, fmt.Errorf("store: scan replaced keys: %w", err)
		}
		keys.Days = append(keys.Days, day)
		keys.Models = append(keys.Models, model)
		keys.Projects = append(keys.Projects, project)
	}
	if err := rows.Err(); err != nil {
		return TouchedKeys{}, fmt.Errorf("store: iterate replaced keys: %w", err)
	}
	keys.Days = lo.Uniq(keys.Days)
	keys.Models = lo.Uniq(keys.Models)
	keys.Projects = lo.Uniq(keys.Projects)
	return keys, nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, loc *time.Location, entries []core.UsageEntry) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_entries (
			entry_id, occurred_at, day, model,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, session_id, project_path, request_id, message_type, source_file
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: batch insert prepare: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, e := range entries {
		entryID, err := newUUID()
		if err != nil {
			return 0, fmt.Errorf("store: create entry id: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			entryID,
			e.Timestamp.UTC().Format(timeFormat),
			e.Day(loc),
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.CacheCreationTokens,
			e.CacheReadTokens,
			e.CostUSD,
			nullable(e.SessionID),
			e.ProjectPath,
			nullable(e.RequestID),
			nullable(e.MessageType),
			e.SourceFile,
		); err != nil {
			return 0, fmt.Errorf("store: insert entry: %w", err)
		}
		inserted++
	}
	return inserted, nil
}
