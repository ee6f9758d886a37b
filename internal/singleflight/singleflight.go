// Package singleflight collapses concurrent audits for the same URL onto a
// single execution (C3). Unlike golang.org/x/sync/singleflight's Do(key, fn)
// shape, callers here need to know whether they were first so they can
// decide whether to re-probe the result cache themselves; that is not
// expressible through Do, so the lock is exposed directly as acquire/release.
package singleflight

import "sync"

// Group is a mapping from a URL hash to a waitable exclusive lock.
type Group struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
}

func NewGroup() *Group {
	return &Group{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held by this caller, returning
// true iff no lock existed for key yet (i.e. this call created the lock).
// The lock outlives Release until Cleanup drops it, so later callers for the
// same key get false. Must be paired with Release.
func (g *Group) Acquire(key string) bool {
	g.mu.Lock()
	e, exists := g.locks[key]
	if !exists {
		e = &entry{}
		g.locks[key] = e
	}
	e.refcount++
	g.mu.Unlock()

	wasFirst := !exists
	e.mu.Lock()
	return wasFirst
}

// Release releases the lock held for key. The entry stays in the map with
// no holder until Cleanup drops it.
func (g *Group) Release(key string) {
	g.mu.Lock()
	e, exists := g.locks[key]
	if !exists {
		g.mu.Unlock()
		return
	}
	e.refcount--
	g.mu.Unlock()

	e.mu.Unlock()
}

// Cleanup drops any entry with no current holder or waiter and returns how
// many it dropped; the next Acquire of a dropped key reports true again.
func (g *Group) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, e := range g.locks {
		if e.refcount <= 0 {
			delete(g.locks, key)
			removed++
		}
	}
	return removed
}

// ActiveLocks reports the number of keys currently held or waited on,
// surfaced by the health endpoint's cache.active_url_locks field.
func (g *Group) ActiveLocks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.locks {
		if e.refcount > 0 {
			n++
		}
	}
	return n
}
