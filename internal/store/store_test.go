package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudemeter/claudemeter/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "usage.db"), time.UTC)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(day int, model, session, request, project, source string) core.UsageEntry {
	return core.UsageEntry{
		Timestamp:           time.Date(2026, time.March, day, 10, 0, 0, 0, time.UTC),
		Model:               model,
		InputTokens:         100,
		OutputTokens:        50,
		CacheCreationTokens: 10,
		CacheReadTokens:     5,
		CostUSD:             0.02,
		SessionID:           session,
		ProjectPath:         project,
		RequestID:           request,
		SourceFile:          source,
	}
}

func TestStoreInit_CreatesTables(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"usage_entries", "daily_stats", "model_stats", "project_stats",
		"file_state", "sync_state",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestBatchInsert_QueryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p/a", "a.jsonl"),
		testEntry(1, "claude-sonnet-4", "s1", "r2", "/p/a", "a.jsonl"),
		testEntry(2, "claude-opus-4", "s2", "r3", "/p/b", "b.jsonl"),
	}
	inserted, err := s.BatchInsert(ctx, entries)
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("inserted = %d, want 3", inserted)
	}

	stats, err := s.Query(ctx, core.DateRange{}, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.TotalEntries != 3 {
		t.Errorf("TotalEntries = %d, want 3", stats.TotalEntries)
	}
	if stats.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", stats.TotalSessions)
	}
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
	if stats.Tokens.InputTokens != 300 {
		t.Errorf("InputTokens = %d, want 300", stats.Tokens.InputTokens)
	}
	if stats.EffectiveRequestCount != 3 {
		t.Errorf("EffectiveRequestCount = %d, want 3", stats.EffectiveRequestCount)
	}
	if len(stats.Daily) != 2 {
		t.Errorf("len(Daily) = %d, want 2", len(stats.Daily))
	}
	if len(stats.Models) != 2 {
		t.Errorf("len(Models) = %d, want 2", len(stats.Models))
	}
	if len(stats.Projects) != 2 {
		t.Errorf("len(Projects) = %d, want 2", len(stats.Projects))
	}
}

func TestQuery_EffectiveRequestCountSkipsZeroCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	free := testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "a.jsonl")
	free.CostUSD = 0
	paid := testEntry(1, "claude-sonnet-4", "s1", "r2", "/p", "a.jsonl")

	if _, err := s.BatchInsert(ctx, []core.UsageEntry{free, paid}); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	stats, err := s.Query(ctx, core.DateRange{}, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.EffectiveRequestCount != 1 {
		t.Errorf("EffectiveRequestCount = %d, want 1", stats.EffectiveRequestCount)
	}
	if got := stats.AverageCostPerRequest(); got != stats.CostUSD {
		t.Errorf("AverageCostPerRequest = %v, want %v", got, stats.CostUSD)
	}
}

func TestQuery_DateRangeAndProjectFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p/a", "a.jsonl"),
		testEntry(5, "claude-sonnet-4", "s2", "r2", "/p/a", "a.jsonl"),
		testEntry(5, "claude-sonnet-4", "s3", "r3", "/p/b", "b.jsonl"),
	}
	if _, err := s.BatchInsert(ctx, entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	r := core.DateRange{
		Start: time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.March, 6, 0, 0, 0, 0, time.UTC),
	}
	stats, err := s.Query(ctx, r, "")
	if err != nil {
		t.Fatalf("Query range: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("range TotalEntries = %d, want 2", stats.TotalEntries)
	}

	stats, err = s.Query(ctx, r, "/p/b")
	if err != nil {
		t.Fatalf("Query range+project: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("range+project TotalEntries = %d, want 1", stats.TotalEntries)
	}
	if len(stats.Projects) != 1 || stats.Projects[0].ProjectPath != "/p/b" {
		t.Errorf("Projects = %+v, want single /p/b", stats.Projects)
	}
}

func TestQuery_EmptyStoreReturnsZeroes(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Query(context.Background(), core.DateRange{}, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.TotalEntries != 0 || stats.CostUSD != 0 {
		t.Errorf("empty store stats = %+v, want zeroes", stats)
	}
	if stats.AverageCostPerRequest() != 0 {
		t.Errorf("AverageCostPerRequest = %v, want 0", stats.AverageCostPerRequest())
	}
}

func TestQuery_IncludesIngestCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.BatchInsert(ctx, []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "a.jsonl"),
	}); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	state := SyncState{LastSyncAt: time.Now().UTC(), EntryCount: 1, SkippedLines: 7, DuplicateEntries: 4}
	if err := s.SaveSyncState(ctx, state); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}

	stats, err := s.Query(ctx, core.DateRange{}, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.SkippedLines != 7 {
		t.Errorf("SkippedLines = %d, want 7", stats.SkippedLines)
	}
	if stats.DuplicateEntries != 4 {
		t.Errorf("DuplicateEntries = %d, want 4", stats.DuplicateEntries)
	}
}

func TestReplaceFileEntries_NoDoubleCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "grow.jsonl"),
	}
	if _, err := s.BatchInsert(ctx, first); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	// The file grew: it now contains the old entry plus a new one. The
	// re-parse replaces everything sourced from that file.
	grown := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "grow.jsonl"),
		testEntry(1, "claude-sonnet-4", "s1", "r2", "/p", "grow.jsonl"),
	}
	if _, _, err := s.ReplaceFileEntries(ctx, []string{"grow.jsonl"}, grown); err != nil {
		t.Fatalf("ReplaceFileEntries: %v", err)
	}

	stats, err := s.Query(ctx, core.DateRange{}, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2 (no double count)", stats.TotalEntries)
	}
}

func TestReplaceFileEntries_ReturnsReplacedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p/a", "shift.jsonl"),
	}
	if _, err := s.BatchInsert(ctx, old); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	// The file was rewritten: its only entry moved to another day and model.
	rewritten := []core.UsageEntry{
		testEntry(2, "claude-opus-4", "s1", "r2", "/p/a", "shift.jsonl"),
	}
	_, replaced, err := s.ReplaceFileEntries(ctx, []string{"shift.jsonl"}, rewritten)
	if err != nil {
		t.Fatalf("ReplaceFileEntries: %v", err)
	}

	if len(replaced.Days) != 1 || replaced.Days[0] != "2026-03-01" {
		t.Errorf("replaced.Days = %v, want [2026-03-01]", replaced.Days)
	}
	if len(replaced.Models) != 1 || replaced.Models[0] != "claude-sonnet-4" {
		t.Errorf("replaced.Models = %v, want [claude-sonnet-4]", replaced.Models)
	}
	if len(replaced.Projects) != 1 || replaced.Projects[0] != "/p/a" {
		t.Errorf("replaced.Projects = %v, want [/p/a]", replaced.Projects)
	}
}

func TestRecomputeAggregates_DropsKeysWithNoEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p/a", "shift.jsonl"),
	}
	if _, err := s.BatchInsert(ctx, old); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s.RecomputeAllAggregates(ctx); err != nil {
		t.Fatalf("RecomputeAllAggregates: %v", err)
	}

	rewritten := []core.UsageEntry{
		testEntry(2, "claude-sonnet-4", "s1", "r2", "/p/a", "shift.jsonl"),
	}
	_, replaced, err := s.ReplaceFileEntries(ctx, []string{"shift.jsonl"}, rewritten)
	if err != nil {
		t.Fatalf("ReplaceFileEntries: %v", err)
	}
	keys := TouchedKeys{
		Days:     []string{"2026-03-02"},
		Models:   []string{"claude-sonnet-4"},
		Projects: []string{"/p/a"},
	}.Union(replaced)
	if err := s.RecomputeAggregates(ctx, keys); err != nil {
		t.Fatalf("RecomputeAggregates: %v", err)
	}

	// 2026-03-01 has no backing entries anymore, so its aggregate row must
	// be gone rather than frozen at its pre-rewrite totals.
	rows, err := s.db.Query(`SELECT day FROM daily_stats ORDER BY day`)
	if err != nil {
		t.Fatalf("daily_stats: %v", err)
	}
	defer rows.Close()
	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			t.Fatalf("scan: %v", err)
		}
		days = append(days, day)
	}
	if len(days) != 1 || days[0] != "2026-03-02" {
		t.Errorf("daily_stats days = %v, want [2026-03-02]", days)
	}
}

func TestTouchedKeysUnion(t *testing.T) {
	a := TouchedKeys{Days: []string{"2026-03-01"}, Models: []string{"claude-sonnet-4"}}
	b := TouchedKeys{Days: []string{"2026-03-01", "2026-03-02"}, Projects: []string{"/p/a"}}

	got := a.Union(b)
	if len(got.Days) != 2 {
		t.Errorf("Days = %v, want two distinct days", got.Days)
	}
	if len(got.Models) != 1 || len(got.Projects) != 1 {
		t.Errorf("Models = %v, Projects = %v, want one each", got.Models, got.Projects)
	}
}

func TestRecomputeAllAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p/a", "a.jsonl"),
		testEntry(1, "claude-sonnet-4", "s1", "r2", "/p/a", "a.jsonl"),
		testEntry(2, "claude-opus-4", "s2", "r3", "/p/b", "b.jsonl"),
	}
	if _, err := s.BatchInsert(ctx, entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s.RecomputeAllAggregates(ctx); err != nil {
		t.Fatalf("RecomputeAllAggregates: %v", err)
	}

	var sessions, requests, count int64
	err := s.db.QueryRow(
		`SELECT session_count, request_count, entry_count FROM daily_stats WHERE day = '2026-03-01'`,
	).Scan(&sessions, &requests, &count)
	if err != nil {
		t.Fatalf("daily_stats row: %v", err)
	}
	if sessions != 1 || requests != 2 || count != 2 {
		t.Errorf("daily row = sessions %d requests %d entries %d, want 1/2/2", sessions, requests, count)
	}

	info, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if info.DailyRows != 2 || info.ModelRows != 2 || info.ProjectRows != 2 {
		t.Errorf("aggregate rows = %+v, want 2/2/2", info)
	}
}

func TestRecomputeAggregates_TouchedKeysOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p/a", "a.jsonl"),
		testEntry(2, "claude-opus-4", "s2", "r2", "/p/b", "b.jsonl"),
	}
	if _, err := s.BatchInsert(ctx, entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s.RecomputeAllAggregates(ctx); err != nil {
		t.Fatalf("RecomputeAllAggregates: %v", err)
	}

	// New entry lands on day 1 only; recompute just its keys.
	extra := testEntry(1, "claude-sonnet-4", "s1", "r4", "/p/a", "a.jsonl")
	if _, err := s.BatchInsert(ctx, []core.UsageEntry{extra}); err != nil {
		t.Fatalf("BatchInsert extra: %v", err)
	}
	keys := TouchedKeys{
		Days:     []string{"2026-03-01"},
		Models:   []string{"claude-sonnet-4"},
		Projects: []string{"/p/a"},
	}
	if err := s.RecomputeAggregates(ctx, keys); err != nil {
		t.Fatalf("RecomputeAggregates: %v", err)
	}

	var count int64
	if err := s.db.QueryRow(`SELECT entry_count FROM daily_stats WHERE day = '2026-03-01'`).Scan(&count); err != nil {
		t.Fatalf("day 1 row: %v", err)
	}
	if count != 2 {
		t.Errorf("day 1 entry_count = %d, want 2", count)
	}
	if err := s.db.QueryRow(`SELECT entry_count FROM daily_stats WHERE day = '2026-03-02'`).Scan(&count); err != nil {
		t.Fatalf("day 2 row untouched: %v", err)
	}
	if count != 1 {
		t.Errorf("day 2 entry_count = %d, want 1", count)
	}
}

func TestCompactEntries_KeepsEarliestPerRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "a.jsonl")
	late := testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "b.jsonl")
	late.Timestamp = late.Timestamp.Add(time.Hour)
	noID := testEntry(1, "claude-sonnet-4", "s1", "", "/p", "a.jsonl")

	if _, err := s.BatchInsert(ctx, []core.UsageEntry{early, late, noID}); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	removed, err := s.CompactEntries(ctx)
	if err != nil {
		t.Fatalf("CompactEntries: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	var source string
	err = s.db.QueryRow(`SELECT source_file FROM usage_entries WHERE request_id = 'r1'`).Scan(&source)
	if err != nil {
		t.Fatalf("surviving row: %v", err)
	}
	if source != "a.jsonl" {
		t.Errorf("survivor source_file = %s, want a.jsonl (earliest)", source)
	}

	info, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if info.Entries != 2 {
		t.Errorf("Entries = %d, want 2 (entry without request id preserved)", info.Entries)
	}
}

func TestSyncState_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState empty: %v", err)
	}
	if !empty.LastSyncAt.IsZero() || empty.EntryCount != 0 {
		t.Errorf("empty state = %+v, want zero value", empty)
	}

	want := SyncState{
		LastSyncAt:       time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC),
		LastFullSyncAt:   time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC),
		EntryCount:       42,
		SkippedLines:     3,
		DuplicateEntries: 2,
	}
	if err := s.SaveSyncState(ctx, want); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	got, err := s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState: %v", err)
	}
	if !got.LastSyncAt.Equal(want.LastSyncAt) || !got.LastFullSyncAt.Equal(want.LastFullSyncAt) || got.EntryCount != 42 {
		t.Errorf("state = %+v, want %+v", got, want)
	}
	if got.SkippedLines != 3 || got.DuplicateEntries != 2 {
		t.Errorf("counters = (%d, %d), want (3, 2)", got.SkippedLines, got.DuplicateEntries)
	}

	// Upsert overwrites the singleton row.
	want.EntryCount = 50
	if err := s.SaveSyncState(ctx, want); err != nil {
		t.Fatalf("SaveSyncState again: %v", err)
	}
	got, err = s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState again: %v", err)
	}
	if got.EntryCount != 50 {
		t.Errorf("EntryCount = %d, want 50", got.EntryCount)
	}
}

func TestFileStates_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := []FileFingerprint{
		{Path: "a.jsonl", Size: 100, ModTime: time.Unix(0, 1234)},
		{Path: "b.jsonl", Size: 200, ModTime: time.Unix(0, 5678)},
	}
	if err := s.SaveFileStates(ctx, states); err != nil {
		t.Fatalf("SaveFileStates: %v", err)
	}

	got, err := s.FileStates(ctx)
	if err != nil {
		t.Fatalf("FileStates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(states) = %d, want 2", len(got))
	}
	if got["a.jsonl"].Size != 100 || got["a.jsonl"].ModTime.UnixNano() != 1234 {
		t.Errorf("a.jsonl state = %+v", got["a.jsonl"])
	}

	// A later save replaces the full set.
	if err := s.SaveFileStates(ctx, states[:1]); err != nil {
		t.Fatalf("SaveFileStates replace: %v", err)
	}
	got, err = s.FileStates(ctx)
	if err != nil {
		t.Fatalf("FileStates after replace: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(states) = %d after replace, want 1", len(got))
	}
}

func TestContentFingerprint_OrderIndependent(t *testing.T) {
	a := FileFingerprint{Path: "a.jsonl", Size: 1, ModTime: time.Unix(0, 1)}
	b := FileFingerprint{Path: "b.jsonl", Size: 2, ModTime: time.Unix(0, 2)}

	fp1 := ContentFingerprint([]FileFingerprint{a, b})
	fp2 := ContentFingerprint([]FileFingerprint{b, a})
	if fp1 != fp2 {
		t.Errorf("fingerprint depends on input order: %s != %s", fp1, fp2)
	}

	changed := b
	changed.Size = 3
	if fp3 := ContentFingerprint([]FileFingerprint{a, changed}); fp3 == fp1 {
		t.Error("fingerprint unchanged after size change")
	}
}

func TestRebuild_ClearsAllData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.BatchInsert(ctx, []core.UsageEntry{
		testEntry(1, "claude-sonnet-4", "s1", "r1", "/p", "a.jsonl"),
	}); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s.SaveFileStates(ctx, []FileFingerprint{{Path: "a.jsonl", Size: 1, ModTime: time.Unix(0, 1)}}); err != nil {
		t.Fatalf("SaveFileStates: %v", err)
	}

	if err := s.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	info, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if info.Entries != 0 || info.TrackedFiles != 0 {
		t.Errorf("after rebuild: %+v, want empty", info)
	}
}
