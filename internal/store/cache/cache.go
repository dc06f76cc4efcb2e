// Package cache implements the in-memory layered cache of §4.2/§3: a
// sorted map from key to {recent, old} version pairs, protected by a
// readers-writer lock, with the select/update/successor/predecessor
// semantics ported from the reference LayeredCache (original_source's
// src/backend/LayeredCache.h and src/clio/backend/LayeredCache.cpp).
package cache

import (
	"sort"
	"sync"

	"github.com/xrplf/clio-go/internal/store"
)

type seqBlob struct {
	seq  uint32
	blob []byte
}

type entry struct {
	recent seqBlob
	old    seqBlob
}

// Cache is the sorted-map layered cache. It answers near-tip reads without
// a backend round trip; queries outside its cover window are a cache miss
// (select returns ok=false) and fall through to the backend.
type Cache struct {
	mu                sync.RWMutex
	entries           map[store.Hash256]*entry
	sortedKeys        []store.Hash256 // kept sorted for successor/predecessor walks
	mostRecentSeq     uint32
	pendingSweeps     []store.Hash256
	pendingDeletes    []store.Hash256
	disabled          bool
}

// New returns an empty layered cache.
func New() *Cache {
	return &Cache{entries: make(map[store.Hash256]*entry)}
}

// Disable turns the cache into a permanent pass-through, used when the
// configured cache-loader style is "none".
func (c *Cache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
}

func less(a, b store.Hash256) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// insert applies one (key, blob, seq) diff. Caller holds c.mu for writing.
func (c *Cache) insert(key store.Hash256, blob []byte, seq uint32) {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
		idx := sort.Search(len(c.sortedKeys), func(i int) bool { return !less(c.sortedKeys[i], key) })
		c.sortedKeys = append(c.sortedKeys, store.Hash256{})
		copy(c.sortedKeys[idx+1:], c.sortedKeys[idx:])
		c.sortedKeys[idx] = key
	}
	// stale insert, do nothing
	if ok && seq <= e.recent.seq {
		return
	}
	e.old = e.recent
	e.recent = seqBlob{seq: seq, blob: blob}
	if len(blob) == 0 {
		c.pendingDeletes = append(c.pendingDeletes, key)
	}
	if len(e.old.blob) > 0 {
		c.pendingSweeps = append(c.pendingSweeps, key)
	}
}

// Update applies a complete diff for one sequence: every touched key's
// previous "recent" demotes to "old", pending sweeps/deletes from the
// prior cycle are resolved first, and the cache only ever answers reads
// near the tip (more than one sequence behind most-recent is a miss).
func (c *Cache) Update(batch []store.LedgerObject, seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return
	}
	if seq > c.mostRecentSeq {
		c.mostRecentSeq = seq
	}
	for _, k := range c.pendingSweeps {
		if e, ok := c.entries[k]; ok {
			e.old = seqBlob{}
		}
	}
	c.pendingSweeps = c.pendingSweeps[:0]
	for _, k := range c.pendingDeletes {
		c.removeKey(k)
	}
	c.pendingDeletes = c.pendingDeletes[:0]
	for _, b := range batch {
		c.insert(b.Key, b.Blob, seq)
	}
}

func (c *Cache) removeKey(key store.Hash256) {
	delete(c.entries, key)
	idx := sort.Search(len(c.sortedKeys), func(i int) bool { return !less(c.sortedKeys[i], key) })
	if idx < len(c.sortedKeys) && c.sortedKeys[idx] == key {
		c.sortedKeys = append(c.sortedKeys[:idx], c.sortedKeys[idx+1:]...)
	}
}

// select implements the selection rule from §4.2:
//
//	s < old.seq          -> miss
//	s < recent.seq, old nonempty -> old.blob
//	recent nonempty       -> recent.blob
//	else                  -> deleted (nil, ok=true)
func selectBlob(e *entry, seq uint32) (blob []byte, ok bool) {
	if seq < e.old.seq {
		return nil, false
	}
	if seq < e.recent.seq && len(e.old.blob) > 0 {
		return e.old.blob, true
	}
	if len(e.recent.blob) > 0 {
		return e.recent.blob, true
	}
	return nil, true
}

// Get returns (blob, true) on a cache hit — including a hit that resolves
// to "deleted" (nil blob) — or (nil, false) on a miss that must fall
// through to the backend.
func (c *Cache) Get(key store.Hash256, seq uint32) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disabled {
		return nil, false
	}
	if c.mostRecentSeq > 0 && seq < c.mostRecentSeq-1 {
		return nil, false
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return selectBlob(e, seq)
}

// Successor returns the smallest key > key that selects live at seq,
// skipping entries whose select misses or resolves to deleted, exactly as
// the reference getSuccessor loop does.
func (c *Cache) Successor(key store.Hash256, seq uint32) (*store.Successor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disabled {
		return nil, false
	}
	if c.mostRecentSeq > 0 && seq < c.mostRecentSeq-1 {
		return nil, false
	}
	idx := sort.Search(len(c.sortedKeys), func(i int) bool { return less(key, c.sortedKeys[i]) })
	for idx < len(c.sortedKeys) {
		k := c.sortedKeys[idx]
		e := c.entries[k]
		blob, ok := selectBlob(e, seq)
		if ok && len(blob) > 0 {
			return &store.Successor{Key: k, Blob: blob}, true
		}
		idx++
	}
	return nil, false
}

// Predecessor mirrors Successor, walking downward.
func (c *Cache) Predecessor(key store.Hash256, seq uint32) (*store.Successor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disabled {
		return nil, false
	}
	if c.mostRecentSeq > 0 && seq < c.mostRecentSeq-1 {
		return nil, false
	}
	idx := sort.Search(len(c.sortedKeys), func(i int) bool { return !less(c.sortedKeys[i], key) }) - 1
	for idx >= 0 {
		k := c.sortedKeys[idx]
		e := c.entries[k]
		blob, ok := selectBlob(e, seq)
		if ok && len(blob) > 0 {
			return &store.Successor{Key: k, Blob: blob}, true
		}
		idx--
	}
	return nil, false
}

// MostRecentSequence reports the highest sequence the cache has observed.
func (c *Cache) MostRecentSequence() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mostRecentSeq
}
