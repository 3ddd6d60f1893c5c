package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claudemeter/claudemeter/internal/core"
)

// DiskCache persists statistics snapshots as JSON files keyed by query key
// plus the content fingerprint of the source files. A fingerprint mismatch
// means the sources changed and the snapshot is stale.
type DiskCache struct {
	dir string
	ttl time.Duration
}

type diskEntry struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	ComputedAt  time.Time       `json:"computed_at"`
	Statistics  core.Statistics `json:"statistics"`
}

func NewDiskCache(dir string, ttl time.Duration) *DiskCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DiskCache{dir: dir, ttl: ttl}
}

func (d *DiskCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:16])+".json")
}

func (d *DiskCache) Get(key, fingerprint string) (core.Statistics, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return core.Statistics{}, false
	}
	var stored diskEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return core.Statistics{}, false
	}
	if stored.Key != key || stored.Fingerprint != fingerprint {
		return core.Statistics{}, false
	}
	if time.Since(stored.ComputedAt) > d.ttl {
		return core.Statistics{}, false
	}
	return stored.Statistics, true
}

// Put writes a snapshot atomically; failures are logged and swallowed since
// the disk tier is an optimization, never a correctness requirement.
func (d *DiskCache) Put(key, fingerprint string, stats core.Statistics) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		log.Debug().Err(err).Str("component", "cache").Msg("creating disk cache dir failed")
		return
	}
	data, err := json.Marshal(diskEntry{
		Key:         key,
		Fingerprint: fingerprint,
		ComputedAt:  time.Now().UTC(),
		Statistics:  stats,
	})
	if err != nil {
		return
	}
	target := d.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Debug().Err(err).Str("component", "cache").Msg("writing disk cache entry failed")
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		log.Debug().Err(err).Str("component", "cache").Msg("replacing disk cache entry failed")
	}
}

func (d *DiskCache) InvalidateAll() {
	matches, err := filepath.Glob(filepath.Join(d.dir, "*.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		os.Remove(path)
	}
}
