// Package syncer orchestrates full and incremental synchronization passes:
// scan, parse, deduplicate, price, write, and recompute aggregates. It is the
// single writer to the store and to the sync state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/claudemeter/claudemeter/internal/core"
	"github.com/claudemeter/claudemeter/internal/locator"
	"github.com/claudemeter/claudemeter/internal/parser"
	"github.com/claudemeter/claudemeter/internal/pricing"
	"github.com/claudemeter/claudemeter/internal/stats"
	"github.com/claudemeter/claudemeter/internal/store"
)

// ErrSyncInFlight reports a trigger coalesced into an already running pass.
var ErrSyncInFlight = errors.New("syncer: a sync is already in flight")

type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseParsing     Phase = "parsing"
	PhaseWriting     Phase = "writing"
	PhaseAggregating Phase = "aggregating"
	PhaseError       Phase = "error"
)

// Progress is one step report: a human-readable phase plus a fraction in
// [0,1] suitable for a progress indicator.
type Progress struct {
	Kind     Kind
	Phase    Phase
	Fraction float64
	Detail   string
}

// Result summarizes one completed pass.
type Result struct {
	Kind            Kind
	Files           int
	ChangedFiles    int
	RemovedFiles    int
	SkippedPaths    int
	ParsedEntries   int
	InsertedEntries int64
	Duplicates      int64
	ParseErrors     int64
	DroppedLines    int64
	CostUSD         float64
	Fingerprint     string
	Preempted       bool
	Duration        time.Duration
}

type Coordinator struct {
	store  *store.Store
	calc   *pricing.Calculator
	agg    *stats.Aggregator
	root   string
	loc    *time.Location
	logger zerolog.Logger

	// passMu serializes passes: single-writer discipline for the store.
	passMu sync.Mutex

	stateMu  sync.Mutex
	inFlight Kind // "" when idle
	phase    Phase

	// fullRequested preempts a running incremental pass at its next safe
	// checkpoint (a transaction boundary).
	fullRequested atomic.Bool

	onProgress func(Progress)
	onComplete func(Result)
}

type Option func(*Coordinator)

func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithProgressFunc registers the progress sink. Calls arrive from the pass
// goroutine; the sink must not block.
func WithProgressFunc(fn func(Progress)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// WithCompletionFunc registers the sink fired once per completed sync.
func WithCompletionFunc(fn func(Result)) Option {
	return func(c *Coordinator) { c.onComplete = fn }
}

func New(st *store.Store, calc *pricing.Calculator, root string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  st,
		calc:   calc,
		root:   root,
		loc:    time.Local,
		logger: log.With().Str("component", "syncer").Logger(),
		phase:  PhaseIdle,
	}
	if c.calc == nil {
		c.calc = pricing.NewCalculator(nil)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.agg = stats.New(c.calc, stats.WithLocation(c.loc))
	return c
}

// Phase returns the coordinator's current phase.
func (c *Coordinator) Phase() Phase {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.phase
}

// InFlight reports the kind of the running pass, or "" when idle.
func (c *Coordinator) InFlight() Kind {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.inFlight
}

// TriggerFull runs a full clear-and-rebuild pass. A full trigger during an
// incremental pass is queued: the incremental pass yields at its next
// transaction boundary and the full pass runs immediately after. A full
// trigger during another full pass is coalesced.
func (c *Coordinator) TriggerFull(ctx context.Context) (Result, error) {
	if !c.passMu.TryLock() {
		if c.InFlight() == KindFull {
			return Result{}, ErrSyncInFlight
		}
		c.fullRequested.Store(true)
		c.passMu.Lock()
	}
	defer c.passMu.Unlock()
	c.fullRequested.Store(false)
	return c.run(ctx, KindFull)
}

// TriggerIncremental runs an incremental pass over files changed since the
// last recorded sync. Any trigger while a pass is in flight is coalesced.
func (c *Coordinator) TriggerIncremental(ctx context.Context) (Result, error) {
	if !c.passMu.TryLock() {
		return Result{}, ErrSyncInFlight
	}
	defer c.passMu.Unlock()
	return c.run(ctx, KindIncremental)
}

func (c *Coordinator) run(ctx context.Context, kind Kind) (Result, error) {
	start := time.Now()
	c.setState(kind, PhaseScanning)
	defer c.setState("", PhaseIdle)

	result, err := c.pass(ctx, kind)
	result.Kind = kind
	result.Duration = time.Since(start)
	if err != nil {
		c.setState(kind, PhaseError)
		c.logger.Error().Err(err).Str("kind", string(kind)).Msg("sync failed")
		return result, err
	}

	c.logger.Info().
		Str("kind", string(kind)).
		Int("files", result.Files).
		Int64("inserted", result.InsertedEntries).
		Int64("duplicates", result.Duplicates).
		Dur("duration", result.Duration).
		Msg("sync completed")
	if c.onComplete != nil && !result.Preempted {
		c.onComplete(result)
	}
	return result, nil
}

func (c *Coordinator) pass(ctx context.Context, kind Kind) (Result, error) {
	var result Result

	c.report(kind, PhaseScanning, 0.02, "scanning log files")
	files, skips, err := locator.Scan(ctx, c.root)
	if err != nil {
		return result, fmt.Errorf("syncer: scanning %s: %w", c.root, err)
	}
	result.Files = len(files)
	result.SkippedPaths = len(skips)

	fingerprints := make([]store.FileFingerprint, len(files))
	for i, f := range files {
		fingerprints[i] = store.FileFingerprint{Path: f.Path, Size: f.Size, ModTime: f.ModTime}
	}
	result.Fingerprint = store.ContentFingerprint(fingerprints)

	toParse := files
	var removed []string
	if kind == KindIncremental {
		known, err := c.store.FileStates(ctx)
		if err != nil {
			return result, err
		}
		toParse = changedFiles(files, known)
		removed = missingFiles(files, known)
		result.ChangedFiles = len(toParse)
		result.RemovedFiles = len(removed)
		if len(toParse) == 0 && len(removed) == 0 {
			// Nothing changed; record the pass and stop.
			c.report(kind, PhaseIdle, 1, "no changes")
			return result, c.finishPass(ctx, kind, fingerprints, 0, 0, 0)
		}
	} else {
		result.ChangedFiles = len(files)
	}

	if c.preempted(kind) {
		result.Preempted = true
		return result, nil
	}

	entries, parseStats := c.parseFiles(ctx, kind, toParse)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	result.ParseErrors = parseStats.ParseErrors
	result.DroppedLines = parseStats.DroppedLines
	result.ParsedEntries = len(entries)

	entries, duplicates := parser.Dedup(entries)
	result.Duplicates = duplicates
	c.calc.ApplyAll(entries)

	// Aggregating in memory before the write gives the pass its cost total
	// and runs the plausibility check on what is about to be stored.
	passStats := c.agg.Aggregate(entries)
	result.CostUSD = passStats.CostUSD

	if c.preempted(kind) {
		result.Preempted = true
		return result, nil
	}

	c.report(kind, PhaseWriting, 0.6, "writing entries")
	var (
		inserted    int64
		removedKeys store.TouchedKeys
	)
	switch kind {
	case KindFull:
		if err := c.withRetry(ctx, func() error { return c.store.Rebuild(ctx) }); err != nil {
			return result, err
		}
		if err := c.withRetry(ctx, func() error {
			var insErr error
			inserted, insErr = c.store.BatchInsert(ctx, entries)
			return insErr
		}); err != nil {
			return result, err
		}
	case KindIncremental:
		changed := make([]string, 0, len(toParse)+len(removed))
		for _, f := range toParse {
			changed = append(changed, f.Path)
		}
		changed = append(changed, removed...)
		if err := c.withRetry(ctx, func() error {
			var insErr error
			inserted, removedKeys, insErr = c.store.ReplaceFileEntries(ctx, changed, entries)
			return insErr
		}); err != nil {
			return result, err
		}
	}
	result.InsertedEntries = inserted

	c.report(kind, PhaseAggregating, 0.82, "recomputing aggregates")
	if kind == KindFull {
		if err := c.withRetry(ctx, func() error { return c.store.RecomputeAllAggregates(ctx) }); err != nil {
			return result, err
		}
	} else {
		// Keys of the deleted rows are folded in so an aggregate row whose
		// backing entries all vanished is dropped, not left stale.
		keys := touchedKeys(entries, c.loc).Union(removedKeys)
		if err := c.withRetry(ctx, func() error { return c.store.RecomputeAggregates(ctx, keys) }); err != nil {
			return result, err
		}
	}

	c.report(kind, PhaseAggregating, 0.95, "saving sync state")
	skipped := result.DroppedLines + result.ParseErrors
	if err := c.finishPass(ctx, kind, fingerprints, inserted, skipped, duplicates); err != nil {
		return result, err
	}
	c.report(kind, PhaseIdle, 1, "done")
	return result, nil
}

// finishPass persists the fingerprint set and sync state after everything
// else committed, so a later pass never reads a half-written snapshot.
func (c *Coordinator) finishPass(ctx context.Context, kind Kind, fingerprints []store.FileFingerprint, inserted, skipped, duplicates int64) error {
	if err := c.withRetry(ctx, func() error { return c.store.SaveFileStates(ctx, fingerprints) }); err != nil {
		return err
	}

	state, err := c.store.LoadSyncState(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	state.LastSyncAt = now
	if kind == KindFull {
		state.LastFullSyncAt = now
		state.EntryCount = inserted
		state.SkippedLines = skipped
		state.DuplicateEntries = duplicates
	} else {
		state.EntryCount += inserted
		state.SkippedLines += skipped
		state.DuplicateEntries += duplicates
	}
	return c.withRetry(ctx, func() error { return c.store.SaveSyncState(ctx, state) })
}

type parseCounters struct {
	ParseErrors  int64
	DroppedLines int64
}

func (c *Coordinator) parseFiles(ctx context.Context, kind Kind, files []locator.FileInfo) ([]core.UsageEntry, parseCounters) {
	var (
		entries  []core.UsageEntry
		counters parseCounters
	)
	for i, f := range files {
		if ctx.Err() != nil {
			return entries, counters
		}
		fraction := 0.1 + 0.45*float64(i)/float64(len(files))
		c.report(kind, PhaseParsing, fraction, fmt.Sprintf("parsing %d/%d files", i+1, len(files)))

		result, err := parser.ParseFile(f.Path)
		if err != nil {
			// Per-file failures never abort the pass.
			c.logger.Warn().Err(err).Str("file", f.Path).Msg("skipping unreadable log file")
			counters.ParseErrors++
			continue
		}
		entries = append(entries, result.Entries...)
		counters.ParseErrors += result.ParseErrors
		counters.DroppedLines += result.DroppedLines
	}
	return entries, counters
}

func (c *Coordinator) preempted(kind Kind) bool {
	return kind == KindIncremental && c.fullRequested.Load()
}

func (c *Coordinator) setState(kind Kind, phase Phase) {
	c.stateMu.Lock()
	c.inFlight = kind
	c.phase = phase
	c.stateMu.Unlock()
}

func (c *Coordinator) report(kind Kind, phase Phase, fraction float64, detail string) {
	c.stateMu.Lock()
	c.phase = phase
	c.stateMu.Unlock()
	if c.onProgress != nil {
		c.onProgress(Progress{Kind: kind, Phase: phase, Fraction: fraction, Detail: detail})
	}
}

// withRetry retries transient SQLITE_BUSY failures with capped exponential
// backoff; every other error is permanent.
func (c *Coordinator) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func changedFiles(files []locator.FileInfo, known map[string]store.FileFingerprint) []locator.FileInfo {
	var changed []locator.FileInfo
	for _, f := range files {
		prev, ok := known[f.Path]
		if !ok || prev.Size != f.Size || prev.ModTime.UnixNano() != f.ModTime.UnixNano() {
			changed = append(changed, f)
		}
	}
	return changed
}

// missingFiles returns previously tracked paths absent from the current scan;
// their rows must be purged so a deleted log file stops counting.
func missingFiles(files []locator.FileInfo, known map[string]store.FileFingerprint) []string {
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[f.Path] = struct{}{}
	}
	var missing []string
	for path := range known {
		if _, ok := present[path]; !ok {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	return missing
}

func touchedKeys(entries []core.UsageEntry, loc *time.Location) store.TouchedKeys {
	days := make(map[string]struct{})
	models := make(map[string]struct{})
	projects := make(map[string]struct{})
	for _, e := range entries {
		days[e.Day(loc)] = struct{}{}
		models[e.Model] = struct{}{}
		projects[e.ProjectPath] = struct{}{}
	}
	keys := store.TouchedKeys{}
	for d := range days {
		keys.Days = append(keys.Days, d)
	}
	for m := range models {
		keys.Models = append(keys.Models, m)
	}
	for p := range projects {
		keys.Projects = append(keys.Projects, p)
	}
	return keys
}
