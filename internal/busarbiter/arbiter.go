// Package busarbiter implements the Bus Arbiter (spec C4): two process-wide,
// reentrant-forbidden locks (CAN, keyed per interface, and DFU, global for
// the whole host) guarding discovery/transition/flash operations, plus a
// short-TTL result cache sitting behind each lock so rapid status polls
// from a UI do not contend for the lock themselves.
//
// The cache shape (mutex-guarded map, explicit TTL, explicit invalidation)
// is grounded on the teacher's PortCache (internal/server/port_cache.go);
// the two-named-lock structure and "observing caller never blocks, it
// returns bus_busy instead" behaviour come directly from spec §4.4/§5.
package busarbiter

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// Arbiter owns the CAN and DFU locks and their caches.
type Arbiter struct {
	dfuMu sync.Mutex

	canMu    sync.Mutex // guards the canLocks map itself
	canLocks map[string]*sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// New returns a ready Arbiter.
func New() *Arbiter {
	return &Arbiter{
		canLocks: make(map[string]*sync.Mutex),
		cache:    make(map[string]cacheEntry),
	}
}

func (a *Arbiter) canLock(iface string) *sync.Mutex {
	a.canMu.Lock()
	defer a.canMu.Unlock()
	m, ok := a.canLocks[iface]
	if !ok {
		m = &sync.Mutex{}
		a.canLocks[iface] = m
	}
	return m
}

// TryLockCAN attempts to acquire the CAN lock for iface without blocking.
// busy is true if another task already holds it, in which case release is
// nil and the caller must report ModeBusBusy rather than wait (spec §5:
// "the fleet-status API never blocks on a bus lock it observes held").
func (a *Arbiter) TryLockCAN(iface string) (release func(), busy bool) {
	m := a.canLock(iface)
	if !m.TryLock() {
		return nil, true
	}
	return func() { m.Unlock() }, false
}

// LockCAN blocks until the CAN lock for iface is acquired. Used by
// operations that must run (mode transitions, flashes) rather than merely
// observe.
func (a *Arbiter) LockCAN(iface string) (release func()) {
	m := a.canLock(iface)
	m.Lock()
	return func() { m.Unlock() }
}

// TryLockDFU is the DFU-bus equivalent of TryLockCAN. DFU is serialised
// globally across the whole host (spec §5: "dfu-util -l itself contends
// with an in-progress flash").
func (a *Arbiter) TryLockDFU() (release func(), busy bool) {
	if !a.dfuMu.TryLock() {
		return nil, true
	}
	return func() { a.dfuMu.Unlock() }, false
}

// LockDFU blocks until the DFU lock is acquired.
func (a *Arbiter) LockDFU() (release func()) {
	a.dfuMu.Lock()
	return func() { a.dfuMu.Unlock() }
}

// CacheGet returns a cached value for key if present and unexpired.
func (a *Arbiter) CacheGet(key string) (any, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	e, ok := a.cache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// CacheSet stores value under key with the given TTL.
func (a *Arbiter) CacheSet(key string, value any, ttl time.Duration) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.cache[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}

// CacheInvalidate drops a cached entry. Called after any state-changing
// operation releases its bus lock (spec §4.4).
func (a *Arbiter) CacheInvalidate(key string) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	delete(a.cache, key)
}

// CAN cache key conventions, shared by discovery and the orchestrator.
func CANCacheKey(iface string) string { return "can:" + iface }

// DFUCacheKey is the single global DFU cache key.
const DFUCacheKey = "dfu"

const (
	// CANCacheTTL is the discovery cache lifetime per CAN interface.
	CANCacheTTL = 2 * time.Second
	// DFUCacheTTL is the discovery cache lifetime for the DFU listing.
	DFUCacheTTL = 1 * time.Second
)
