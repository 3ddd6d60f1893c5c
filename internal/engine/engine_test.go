package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudemeter/claudemeter/internal/core"
	"github.com/claudemeter/claudemeter/internal/store"
	"github.com/claudemeter/claudemeter/internal/syncer"
)

const sampleLog = `{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","requestId":"r1","message":{"model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":20}},"costUSD":0.01}` + "\n"

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "usage.db"), time.UTC)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	eng := New(Config{
		Store:    st,
		LogsRoot: root,
		Location: time.UTC,
		CacheTTL: time.Minute,
	})
	return eng, root
}

func writeLog(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, "proj")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

type recordingListener struct {
	progress  int
	completed []syncer.Result
	changed   int
}

func (r *recordingListener) OnSyncProgress(syncer.Progress) { r.progress++ }
func (r *recordingListener) OnDataChanged()                 { r.changed++ }

func (r *recordingListener) OnSyncCompleted(res syncer.Result) {
	r.completed = append(r.completed, res)
}

func TestEngine_SyncThenQuery(t *testing.T) {
	eng, root := newTestEngine(t)
	writeLog(t, root, "a.jsonl", sampleLog)

	res, err := eng.TriggerFullSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerFullSync: %v", err)
	}
	if res.InsertedEntries != 1 {
		t.Fatalf("InsertedEntries = %d, want 1", res.InsertedEntries)
	}

	stats, err := eng.GetStatistics(context.Background(), core.DateRange{}, "")
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalEntries != 1 || stats.CostUSD != 0.01 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngine_IncrementalUpgradesToFullOnEmptyStore(t *testing.T) {
	eng, root := newTestEngine(t)
	writeLog(t, root, "a.jsonl", sampleLog)

	res, err := eng.TriggerIncrementalSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerIncrementalSync: %v", err)
	}
	if res.Kind != syncer.KindFull {
		t.Errorf("Kind = %s, want full (empty store upgrade)", res.Kind)
	}

	// With data present the next trigger stays incremental.
	res, err = eng.TriggerIncrementalSync(context.Background())
	if err != nil {
		t.Fatalf("second TriggerIncrementalSync: %v", err)
	}
	if res.Kind != syncer.KindIncremental {
		t.Errorf("Kind = %s, want incremental", res.Kind)
	}
}

func TestEngine_ListenersNotified(t *testing.T) {
	eng, root := newTestEngine(t)
	writeLog(t, root, "a.jsonl", sampleLog)

	l := &recordingListener{}
	eng.Subscribe(l)

	if _, err := eng.TriggerFullSync(context.Background()); err != nil {
		t.Fatalf("TriggerFullSync: %v", err)
	}
	if l.progress == 0 {
		t.Error("no progress callbacks")
	}
	if len(l.completed) != 1 || l.changed != 1 {
		t.Errorf("completed %d times, changed %d times, want 1/1", len(l.completed), l.changed)
	}
}

func TestEngine_CacheInvalidatedAfterSync(t *testing.T) {
	eng, root := newTestEngine(t)
	writeLog(t, root, "a.jsonl", sampleLog)

	if _, err := eng.TriggerFullSync(context.Background()); err != nil {
		t.Fatalf("TriggerFullSync: %v", err)
	}
	before, err := eng.GetStatistics(context.Background(), core.DateRange{}, "")
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if before.TotalEntries != 1 {
		t.Fatalf("TotalEntries = %d, want 1", before.TotalEntries)
	}

	// New data lands and the sync completes; the next read must not serve
	// the cached snapshot.
	writeLog(t, root, "b.jsonl", `{"timestamp":"2026-03-02T10:00:00Z","sessionId":"s2","requestId":"r9","message":{"model":"claude-opus-4","usage":{"input_tokens":10,"output_tokens":2}},"costUSD":0.02}`+"\n")
	if _, err := eng.TriggerIncrementalSync(context.Background()); err != nil {
		t.Fatalf("TriggerIncrementalSync: %v", err)
	}

	after, err := eng.GetStatistics(context.Background(), core.DateRange{}, "")
	if err != nil {
		t.Fatalf("GetStatistics after sync: %v", err)
	}
	if after.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2 (stale cache served)", after.TotalEntries)
	}
}

func TestEngine_QueryEmptyStore(t *testing.T) {
	eng, _ := newTestEngine(t)

	stats, err := eng.GetStatistics(context.Background(), core.DateRange{}, "")
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Errorf("TotalEntries = %d, want 0", stats.TotalEntries)
	}
}
