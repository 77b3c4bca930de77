// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package querycache is the in-memory query result cache mirrored
// across peers by the fanout synchronizer.
package querycache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Key is a structured cache key built from path segments, for example
// {"courses", "user-1", "list"}.
type Key []string

// String renders the key in its canonical form.
func (k Key) String() string { return strings.Join(k, "/") }

// contains reports whether any segment equals s.
func (k Key) contains(s string) bool {
	for _, seg := range k {
		if seg == s {
			return true
		}
	}
	return false
}

// ParseKey splits a canonical key string back into segments.
func ParseKey(s string) Key {
	if s == "" {
		return nil
	}
	return Key(strings.Split(s, "/"))
}

// Entry is the externally visible view of one cached result.
type Entry struct {
	Data          interface{}
	DataUpdatedAt time.Time

	// Speculative marks an optimistic value awaiting Commit or
	// Rollback.
	Speculative bool

	// Stale marks a rolled-back entry that should be refetched.
	Stale bool
}

type cacheEntry struct {
	data        interface{}
	updatedAt   time.Time
	speculative bool
	stale       bool

	// snapshot holds the committed state captured by ApplySpeculative.
	// Consumed exactly once by Rollback.
	snapshot *cacheEntry
}

func (e *cacheEntry) view() Entry {
	return Entry{
		Data:          e.data,
		DataUpdatedAt: e.updatedAt,
		Speculative:   e.speculative,
		Stale:         e.stale,
	}
}

// Stats counts cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache is a thread-safe map of query results. Writes are last write
// wins at entry level.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	clock   func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		clock:   time.Now,
	}
}

// Get returns the entry for key, false on a miss.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key.String()]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return e.view(), true
}

// Peek returns the entry without counting a hit or miss. The fanout
// synchronizer uses it for freshness and conflict comparisons.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return e.view(), true
}

// Set stores data under key, stamped now.
func (c *Cache) Set(key Key, data interface{}) {
	c.SetAt(key, data, c.clock())
}

// SetAt stores data with an explicit timestamp, as when mirroring a
// peer's update.
func (c *Cache) SetAt(key Key, data interface{}, at time.Time) {
	c.mu.Lock()
	c.entries[key.String()] = &cacheEntry{data: data, updatedAt: at}
	c.mu.Unlock()
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key.String())
	c.mu.Unlock()
}

// InvalidateUser drops every entry whose key references userID.
func (c *Cache) InvalidateUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if ParseKey(k).contains(userID) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// ApplySpeculative overlays an optimistic value, snapshotting the
// committed state so Rollback can restore it.
func (c *Cache) ApplySpeculative(key Key, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := key.String()
	prev := c.entries[ks]

	next := &cacheEntry{data: data, updatedAt: c.clock(), speculative: true}
	if prev != nil && !prev.speculative {
		next.snapshot = prev
	} else if prev != nil {
		// Chained speculative writes keep the original snapshot.
		next.snapshot = prev.snapshot
	}
	c.entries[ks] = next
}

// Rollback restores the state snapshotted by ApplySpeculative. The
// restored entry is marked stale so callers refetch. A speculative
// entry without a snapshot is dropped. Rolling back a committed entry
// is a no-op.
func (c *Cache) Rollback(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := key.String()
	e, ok := c.entries[ks]
	if !ok || !e.speculative {
		return false
	}
	if e.snapshot == nil {
		delete(c.entries, ks)
		return true
	}
	restored := *e.snapshot
	restored.stale = true
	c.entries[ks] = &restored
	return true
}

// Commit finalizes a speculative entry as the new committed state.
func (c *Cache) Commit(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok || !e.speculative {
		return false
	}
	e.speculative = false
	e.snapshot = nil
	return true
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: n,
	}
}
