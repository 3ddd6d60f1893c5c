package main

import (
	"fmt"
	"path/filepath"

	"github.com/claudemeter/claudemeter/internal/config"
	"github.com/claudemeter/claudemeter/internal/engine"
	"github.com/claudemeter/claudemeter/internal/store"
)

// resolveDBPath applies the default state-dir location when the config does
// not override it.
func resolveDBPath(cfg config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	return store.DefaultDBPath()
}

// openStore opens the configured database. The caller must close it.
func openStore(cfg config.Config) (*store.Store, error) {
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath, cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// buildEngine opens the store and wires the engine from config. The caller
// owns the returned store and must close it.
func buildEngine(cfg config.Config) (*engine.Engine, *store.Store, error) {
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, nil, err
	}

	logsRoot := cfg.LogsRoot
	if logsRoot == "" {
		logsRoot, err = store.DefaultLogsRoot()
		if err != nil {
			return nil, nil, err
		}
	}

	st, err := store.Open(dbPath, cfg.Location())
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	diskCacheDir := ""
	if cfg.DiskCache {
		diskCacheDir = filepath.Join(filepath.Dir(dbPath), "query-cache")
	}

	eng := engine.New(engine.Config{
		Store:        st,
		LogsRoot:     logsRoot,
		Location:     cfg.Location(),
		CacheTTL:     cfg.CacheTTL(),
		DiskCacheDir: diskCacheDir,
	})
	return eng, st, nil
}
