// Package optimistic applies tentative multi-entity mutations to a local
// cache ahead of server confirmation, keeping enough original data to roll
// the whole batch back.
package optimistic

import (
	"slices"
	"sync"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/store"
)

// Cache is the client-side entity cache the manager mutates. Entries may be
// tombstones: a nil snapshot whose slot is retained so a late-arriving
// confirmation can still target the entity.
type Cache struct {
	mu      sync.RWMutex
	entries map[store.Key]patch.Snapshot
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[store.Key]patch.Snapshot)}
}

// Get returns a copy of the entity's snapshot. ok distinguishes a tombstone
// (nil, true) from an absent entity (nil, false).
func (c *Cache) Get(entity, id string) (patch.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.entries[store.Key{Entity: entity, ID: id}]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// Set stores a snapshot for the entity.
func (c *Cache) Set(entity, id string, snap patch.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[store.Key{Entity: entity, ID: id}] = snap.Clone()
}

// Tombstone nulls out the entity's data while retaining the slot.
func (c *Cache) Tombstone(entity, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[store.Key{Entity: entity, ID: id}] = nil
}

// Remove drops the entity entirely.
func (c *Cache) Remove(entity, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, store.Key{Entity: entity, ID: id})
}

// Has reports whether a slot (live or tombstone) exists for the entity.
func (c *Cache) Has(entity, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[store.Key{Entity: entity, ID: id}]
	return ok
}

// Len returns the number of cached slots, tombstones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Match returns the sorted ids of cached entities of the given type whose
// fields all equal the filter's values. This is a local query only: it
// never consults the server, and tombstones never match.
func (c *Cache) Match(entity string, filter map[string]any) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for key, snap := range c.entries {
		if key.Entity != entity || snap == nil {
			continue
		}
		if matches(snap, filter) {
			ids = append(ids, key.ID)
		}
	}
	slices.Sort(ids)
	return ids
}

func matches(snap patch.Snapshot, filter map[string]any) bool {
	for field, want := range filter {
		got, ok := snap[field]
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// valueEqual compares by canonical encoding so numerically equal values
// match across representations.
func valueEqual(a, b any) bool {
	ca, errA := patch.MarshalCanonical(a)
	cb, errB := patch.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}
