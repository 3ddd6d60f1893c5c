// Package cache fronts the storage layer with a short-lived in-memory tier
// and an optional longer-lived on-disk tier. Cached snapshots are copies; the
// store stays the authoritative source.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/claudemeter/claudemeter/internal/core"
)

const (
	DefaultTTL     = 5 * time.Minute
	defaultMaxKeys = 256
)

type Cache struct {
	mem  *expirable.LRU[string, core.Statistics]
	disk *DiskCache
}

// New builds a cache with the given memory TTL. disk may be nil to run with
// the memory tier only.
func New(ttl time.Duration, disk *DiskCache) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		mem:  expirable.NewLRU[string, core.Statistics](defaultMaxKeys, nil, ttl),
		disk: disk,
	}
}

// Key derives the cache key for a query.
func Key(r core.DateRange, project string) string {
	return r.Key() + "|" + project
}

// Get checks the memory tier, then the disk tier. fingerprint is the current
// content fingerprint of the source files; a disk snapshot taken under a
// different fingerprint is stale and ignored.
func (c *Cache) Get(key, fingerprint string) (core.Statistics, bool) {
	if stats, ok := c.mem.Get(key); ok {
		return stats, true
	}
	if c.disk != nil {
		if stats, ok := c.disk.Get(key, fingerprint); ok {
			c.mem.Add(key, stats)
			return stats, true
		}
	}
	return core.Statistics{}, false
}

// Put stores a computed snapshot in both tiers. Callers return the value to
// the client first and cache afterward; Put never blocks a read.
func (c *Cache) Put(key, fingerprint string, stats core.Statistics) {
	c.mem.Add(key, stats)
	if c.disk != nil {
		c.disk.Put(key, fingerprint, stats)
	}
}

// InvalidateAll drops both tiers; called after every successful sync.
func (c *Cache) InvalidateAll() {
	c.mem.Purge()
	if c.disk != nil {
		c.disk.InvalidateAll()
	}
}
