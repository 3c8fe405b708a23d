package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmixer/mixcore/pkg/deck"
)

// trackCache holds decoded tracks so reloading a recently played track
// does not hit the decoder again. It is a control-plane structure; the
// render loop never touches it. Tracks loaded on a deck are pinned and
// never evicted.
type trackCache struct {
	mu      sync.Mutex
	budget  int64 // bytes
	used    int64
	entries map[uuid.UUID]*cacheEntry
	pinned  func(uuid.UUID) bool
}

type cacheEntry struct {
	track   *deck.Track
	bytes   int64
	lastUse time.Time
}

func newTrackCache(budget int64, pinned func(uuid.UUID) bool) *trackCache {
	if pinned == nil {
		pinned = func(uuid.UUID) bool { return false }
	}
	return &trackCache{
		budget:  budget,
		entries: make(map[uuid.UUID]*cacheEntry),
		pinned:  pinned,
	}
}

func trackBytes(t *deck.Track) int64 {
	var n int64
	for _, ch := range t.Samples {
		n += int64(len(ch)) * 4
	}
	return n
}

// Put stores a track, evicting older unpinned entries if the budget
// requires it. A single track larger than the whole budget is still
// stored; the budget bounds the cache, not the session.
func (c *trackCache) Put(t *deck.Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[t.ID]; ok {
		c.used -= old.bytes
	}
	b := trackBytes(t)
	c.entries[t.ID] = &cacheEntry{track: t, bytes: b, lastUse: time.Now()}
	c.used += b
	for c.used > c.budget {
		if !c.evictOldestLocked() {
			break
		}
	}
}

// Get returns a cached track and refreshes its recency.
func (c *trackCache) Get(id uuid.UUID) (*deck.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.lastUse = time.Now()
	return e.track, true
}

// EvictOldest drops the least recently used unpinned track, reporting
// whether anything was evicted.
func (c *trackCache) EvictOldest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOldestLocked()
}

func (c *trackCache) evictOldestLocked() bool {
	var victim uuid.UUID
	var oldest time.Time
	found := false
	for id, e := range c.entries {
		if c.pinned(id) {
			continue
		}
		if !found || e.lastUse.Before(oldest) {
			victim, oldest, found = id, e.lastUse, true
		}
	}
	if !found {
		return false
	}
	c.used -= c.entries[victim].bytes
	delete(c.entries, victim)
	return true
}

// Bytes returns the current cache footprint.
func (c *trackCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of cached tracks.
func (c *trackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
