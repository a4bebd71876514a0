package handler

import (
	"sync"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
)

// cacheEntry holds an opened bundle and, once needed, its rebuilt tree.
type cacheEntry struct {
	bundle    *bundle.Bundle
	tree      *merkle.Tree
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// bundleCache is a thread-safe in-memory cache of opened bundles keyed by
// date. Bundles are immutable once promoted, so the TTL only bounds memory.
type bundleCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newBundleCache(ttl time.Duration) *bundleCache {
	return &bundleCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// get looks up a cached entry by date.
func (c *bundleCache) get(date string) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[date]
	if !ok || e.expired() {
		return nil, false
	}
	return e, true
}

// set stores an entry in the cache.
func (c *bundleCache) set(date string, b *bundle.Bundle, tree *merkle.Tree) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &cacheEntry{bundle: b, tree: tree, expiresAt: time.Now().Add(c.ttl)}
	c.entries[date] = e
	return e
}

// evict removes all expired entries.
func (c *bundleCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *bundleCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
