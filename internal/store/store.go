// Package store persists raw usage entries and precomputed aggregates in an
// embedded SQLite database. All writes are serialized by the sync
// coordinator; reads may run concurrently.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is fixed-precision so stored instants compare correctly as
// strings (RFC3339Nano trims trailing zeros and breaks lexicographic order).
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// Open opens (or creates) the database at path and initializes the schema.
// loc is the location used to derive the day grouping column; nil means
// time.Local.
func Open(path string, loc *time.Location) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening DB: %w", err)
	}
	if err := configureConnection(db); err != nil {
		db.Close()
		return nil, err
	}

	s := NewStore(db, loc)
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *sql.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{db: db, loc: loc, now: time.Now}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureConnection(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("store: set journal_mode WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("store: set synchronous NORMAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}

	// Keep multiple connections so statistics reads do not stall behind the
	// sync write path.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	return nil
}

var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS usage_entries (
		entry_id TEXT PRIMARY KEY,
		occurred_at TEXT NOT NULL,
		day TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		session_id TEXT,
		project_path TEXT NOT NULL DEFAULT '',
		request_id TEXT,
		message_type TEXT,
		source_file TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_usage_entries_day ON usage_entries(day);`,
	`CREATE INDEX IF NOT EXISTS idx_usage_entries_occurred_at ON usage_entries(occurred_at);`,
	`CREATE INDEX IF NOT EXISTS idx_usage_entries_project ON usage_entries(project_path);`,
	`CREATE INDEX IF NOT EXISTS idx_usage_entries_request ON usage_entries(request_id);`,
	`CREATE TABLE IF NOT EXISTS daily_stats (
		day TEXT PRIMARY KEY,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		session_count INTEGER NOT NULL,
		request_count INTEGER NOT NULL,
		entry_count INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS model_stats (
		model TEXT PRIMARY KEY,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		session_count INTEGER NOT NULL,
		request_count INTEGER NOT NULL,
		entry_count INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS project_stats (
		project_path TEXT PRIMARY KEY,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		session_count INTEGER NOT NULL,
		request_count INTEGER NOT NULL,
		entry_count INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS file_state (
		path TEXT PRIMARY KEY,
		size_bytes INTEGER NOT NULL,
		mtime_ns INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_sync_at TEXT,
		last_full_sync_at TEXT,
		entry_count INTEGER NOT NULL DEFAULT 0,
		skipped_lines INTEGER NOT NULL DEFAULT 0,
		duplicate_entries INTEGER NOT NULL DEFAULT 0
	);`,
}

func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schemaStmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// Rebuild drops and recreates every table inside one transaction, so schema
// drift between application versions self-heals on the next full sync.
func (s *Store) Rebuild(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: rebuild begin tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"usage_entries", "daily_stats", "model_stats", "project_stats",
		"file_state", "sync_state",
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("store: rebuild drop %s: %w", table, err)
		}
	}
	for _, stmt := range schemaStmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: rebuild create schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: rebuild commit tx: %w", err)
	}
	return nil
}

func nullable(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func newUUID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	buf[6] = (buf[6] & 0x0f) | 0x40
	buf[8] = (buf[8] & 0x3f) | 0x80

	encoded := hex.EncodeToString(buf)
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		encoded[0:8],
		encoded[8:12],
		encoded[12:16],
		encoded[16:20],
		encoded[20:32],
	), nil
}
