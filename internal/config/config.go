// Package config loads and saves claudemeter's settings file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/claudemeter/claudemeter/internal/syncer"
)

type Config struct {
	// LogsRoot is the directory tree scanned for JSONL usage logs. Empty
	// means the default Claude Code projects directory.
	LogsRoot string `json:"logs_root"`
	// DBPath overrides the database location. Empty means the default
	// state-dir path.
	DBPath string `json:"db_path"`

	AutoSync     bool            `json:"auto_sync"`
	SyncInterval syncer.Interval `json:"sync_interval"`

	// Timezone is an IANA name used to derive daily grouping keys. Empty
	// means the system local zone.
	Timezone string `json:"timezone"`

	// CacheTTLMinutes sets the in-memory query cache TTL.
	CacheTTLMinutes int `json:"cache_ttl_minutes"`
	// DiskCache enables the on-disk query cache tier.
	DiskCache bool `json:"disk_cache"`
}

func DefaultConfig() Config {
	return Config{
		AutoSync:        true,
		SyncInterval:    syncer.DefaultInterval,
		CacheTTLMinutes: 5,
		DiskCache:       true,
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "claudemeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "claudemeter")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.SyncInterval = syncer.ParseInterval(string(cfg.SyncInterval))
	if cfg.CacheTTLMinutes <= 0 {
		cfg.CacheTTLMinutes = DefaultConfig().CacheTTLMinutes
	}
	return cfg, nil
}

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Location resolves the configured timezone, falling back to local time.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}
