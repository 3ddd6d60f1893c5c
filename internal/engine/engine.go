// Package engine is the collaborator-facing facade: cached statistics
// queries, sync triggers, and progress/data-changed events for UI layers.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/claudemeter/claudemeter/internal/cache"
	"github.com/claudemeter/claudemeter/internal/core"
	"github.com/claudemeter/claudemeter/internal/pricing"
	"github.com/claudemeter/claudemeter/internal/store"
	"github.com/claudemeter/claudemeter/internal/syncer"
)

// Listener receives sync progress and completion events. Implementations
// must return quickly; events are delivered synchronously.
type Listener interface {
	OnSyncProgress(p syncer.Progress)
	OnSyncCompleted(r syncer.Result)
	// OnDataChanged fires once per completed sync, after caches are
	// invalidated, so dependent views know to re-query.
	OnDataChanged()
}

type Engine struct {
	store    *store.Store
	coord    *syncer.Coordinator
	cache    *cache.Cache
	logsRoot string
	logger   zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

type Config struct {
	Store    *store.Store
	LogsRoot string
	Location *time.Location
	Pricing  *pricing.Calculator
	// CacheTTL is the memory-tier TTL; zero means the default.
	CacheTTL time.Duration
	// DiskCacheDir enables the on-disk cache tier when non-empty.
	DiskCacheDir string
}

func New(cfg Config) *Engine {
	var disk *cache.DiskCache
	if cfg.DiskCacheDir != "" {
		disk = cache.NewDiskCache(cfg.DiskCacheDir, time.Hour)
	}

	e := &Engine{
		store:    cfg.Store,
		cache:    cache.New(cfg.CacheTTL, disk),
		logsRoot: cfg.LogsRoot,
		logger:   log.With().Str("component", "engine").Logger(),
	}

	calc := cfg.Pricing
	if calc == nil {
		calc = pricing.NewCalculator(nil)
	}
	e.coord = syncer.New(cfg.Store, calc, cfg.LogsRoot,
		syncer.WithLocation(cfg.Location),
		syncer.WithProgressFunc(e.fanOutProgress),
		syncer.WithCompletionFunc(e.handleCompletion),
	)
	return e
}

// Coordinator exposes the sync coordinator for periodic runners and watchers.
func (e *Engine) Coordinator() *syncer.Coordinator {
	return e.coord
}

// LogsRoot reports the directory tree this engine syncs from.
func (e *Engine) LogsRoot() string {
	return e.logsRoot
}

func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// GetStatistics serves a query from the cache, falling back to the store.
// The computed value is returned immediately and cached afterward.
func (e *Engine) GetStatistics(ctx context.Context, r core.DateRange, project string) (core.Statistics, error) {
	key := cache.Key(r, project)
	fingerprint, err := e.currentFingerprint(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("fingerprint unavailable, bypassing disk cache")
	}

	if stats, ok := e.cache.Get(key, fingerprint); ok {
		return stats, nil
	}

	stats, err := e.store.Query(ctx, r, project)
	if err != nil {
		return core.Statistics{}, err
	}
	e.cache.Put(key, fingerprint, stats)
	return stats, nil
}

// TriggerFullSync runs a full clear-and-rebuild pass.
func (e *Engine) TriggerFullSync(ctx context.Context) (syncer.Result, error) {
	return e.coord.TriggerFull(ctx)
}

// TriggerIncrementalSync runs an incremental pass. The first run against an
// empty store is upgraded to a full pass.
func (e *Engine) TriggerIncrementalSync(ctx context.Context) (syncer.Result, error) {
	stats, err := e.store.Stats(ctx)
	if err == nil && stats.Entries == 0 {
		return e.coord.TriggerFull(ctx)
	}
	return e.coord.TriggerIncremental(ctx)
}

// currentFingerprint reflects the file set the store was last synced
// against, which is exactly what a cached snapshot must match.
func (e *Engine) currentFingerprint(ctx context.Context) (string, error) {
	states, err := e.store.FileStates(ctx)
	if err != nil {
		return "", err
	}
	fingerprints := make([]store.FileFingerprint, 0, len(states))
	for _, fp := range states {
		fingerprints = append(fingerprints, fp)
	}
	return store.ContentFingerprint(fingerprints), nil
}

func (e *Engine) fanOutProgress(p syncer.Progress) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		l.OnSyncProgress(p)
	}
}

func (e *Engine) handleCompletion(r syncer.Result) {
	e.cache.InvalidateAll()

	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		l.OnSyncCompleted(r)
		l.OnDataChanged()
	}
}
