package eventstore

import (
	"sync"
	"time"

	"github.com/viktorenciso/EventCentric/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSnapshotCacheTTL  = 30 * time.Minute
	DefaultSnapshotCacheSize = 10000
)

// CacheEntry is a cached stream snapshot. A stale entry must not be used to
// rebuild an aggregate: it's kept only to tell that the persisted state has to
// be reloaded.
type CacheEntry struct {
	Snapshot *Snapshot
	// Since is the time the entry became fresh. Zero when stale.
	Since time.Time
	Stale bool
}

func freshEntry(s *Snapshot, now time.Time) *CacheEntry {
	return &CacheEntry{Snapshot: s, Since: now}
}

func staleEntry(s *Snapshot) *CacheEntry {
	return &CacheEntry{Snapshot: s, Stale: true}
}

// SnapshotCache is a ttl bounded snapshot cache with atomic per key
// transitions. Entries are immutable and compared by identity.
type SnapshotCache struct {
	lru *expirable.LRU[util.ID, *CacheEntry]
	m   sync.Mutex
}

func NewSnapshotCache(size int, ttl time.Duration) *SnapshotCache {
	if size <= 0 {
		size = DefaultSnapshotCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotCacheTTL
	}
	return &SnapshotCache{
		lru: expirable.NewLRU[util.ID, *CacheEntry](size, nil, ttl),
	}
}

func (c *SnapshotCache) Get(id util.ID) (*CacheEntry, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Get(id)
}

func (c *SnapshotCache) Set(id util.ID, e *CacheEntry) {
	c.m.Lock()
	defer c.m.Unlock()
	c.lru.Add(id, e)
}

// CompareAndSwap replaces the entry with new only if the current entry is old.
// A nil old means that no entry must exist.
func (c *SnapshotCache) CompareAndSwap(id util.ID, old, new *CacheEntry) bool {
	c.m.Lock()
	defer c.m.Unlock()
	cur, ok := c.lru.Peek(id)
	if !ok {
		cur = nil
	}
	if cur != old {
		return false
	}
	c.lru.Add(id, new)
	return true
}

func (c *SnapshotCache) Remove(id util.ID) {
	c.m.Lock()
	defer c.m.Unlock()
	c.lru.Remove(id)
}

// MarkStale demotes the entry, if present, to stale.
func (c *SnapshotCache) MarkStale(id util.ID) {
	c.m.Lock()
	defer c.m.Unlock()
	cur, ok := c.lru.Peek(id)
	if !ok || cur.Stale {
		return
	}
	c.lru.Add(id, staleEntry(cur.Snapshot))
}

func (c *SnapshotCache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Len()
}
