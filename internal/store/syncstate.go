package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FileFingerprint identifies one source file's content state by size and
// modification time, the cheap change signal used by incremental sync.
type FileFingerprint struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// SyncState is the process-wide record of the last completed sync. Only the
// sync coordinator writes it, and only after its pass fully commits.
type SyncState struct {
	LastSyncAt       time.Time
	LastFullSyncAt   time.Time
	EntryCount       int64
	SkippedLines     int64
	DuplicateEntries int64
}

func (s *Store) LoadSyncState(ctx context.Context) (SyncState, error) {
	var (
		state    SyncState
		last     sql.NullString
		lastFull sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at, last_full_sync_at, entry_count, skipped_lines, duplicate_entries
		 FROM sync_state WHERE id = 1`,
	).Scan(&last, &lastFull, &state.EntryCount, &state.SkippedLines, &state.DuplicateEntries)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("store: load sync state: %w", err)
	}
	if last.Valid {
		if ts, err := time.Parse(timeFormat, last.String); err == nil {
			state.LastSyncAt = ts
		}
	}
	if lastFull.Valid {
		if ts, err := time.Parse(timeFormat, lastFull.String); err == nil {
			state.LastFullSyncAt = ts
		}
	}
	return state, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state SyncState) error {
	formatOrNil := func(t time.Time) interface{} {
		if t.IsZero() {
			return nil
		}
		return t.UTC().Format(timeFormat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_sync_at, last_full_sync_at, entry_count, skipped_lines, duplicate_entries)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_full_sync_at = excluded.last_full_sync_at,
			entry_count = excluded.entry_count,
			skipped_lines = excluded.skipped_lines,
			duplicate_entries = excluded.duplicate_entries
	`, formatOrNil(state.LastSyncAt), formatOrNil(state.LastFullSyncAt), state.EntryCount,
		state.SkippedLines, state.DuplicateEntries)
	if err != nil {
		return fmt.Errorf("store: save sync state: %w", err)
	}
	return nil
}

// FileStates returns the fingerprint recorded for every known source file.
func (s *Store) FileStates(ctx context.Context) (map[string]FileFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, size_bytes, mtime_ns FROM file_state`)
	if err != nil {
		return nil, fmt.Errorf("store: load file states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]FileFingerprint)
	for rows.Next() {
		var (
			fp      FileFingerprint
			mtimeNS int64
		)
		if err := rows.Scan(&fp.Path, &fp.Size, &mtimeNS); err != nil {
			return nil, fmt.Errorf("store: scan file state: %w", err)
		}
		fp.ModTime = time.Unix(0, mtimeNS)
		states[fp.Path] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate file states: %w", err)
	}
	return states, nil
}

// SaveFileStates replaces the fingerprint set in one transaction.
func (s *Store) SaveFileStates(ctx context.Context, states []FileFingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save file states begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_state`); err != nil {
		return fmt.Errorf("store: clear file states: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO file_state (path, size_bytes, mtime_ns) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: save file states prepare: %w", err)
	}
	defer stmt.Close()

	for _, fp := range states {
		if _, err := stmt.ExecContext(ctx, fp.Path, fp.Size, fp.ModTime.UnixNano()); err != nil {
			return fmt.Errorf("store: insert file state: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save file states commit tx: %w", err)
	}
	return nil
}

// ContentFingerprint hashes the sorted (path, size, mtime) tuples of a file
// set. Two identical fingerprints mean no source file changed.
func ContentFingerprint(states []FileFingerprint) string {
	sorted := make([]FileFingerprint, len(states))
	copy(sorted, states)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var b strings.Builder
	for _, fp := range sorted {
		fmt.Fprintf(&b, "%s|%d|%d\n", fp.Path, fp.Size, fp.ModTime.UnixNano())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
