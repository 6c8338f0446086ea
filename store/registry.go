package store

import "sync"

// registryEntry is an intrusive list node: every live *ttlStore and
// *basicStore holds one,
// and removes itself deterministically on Close(). This replaces the
// Python implementation's weak-reference registry (Design Note: "weak
// registry of live caches -> use an intrusive list whose entries remove
// themselves on cache drop, protected by a mutex") with an explicit,
// deterministic equivalent: Go has no destructors to hook a GC-triggered
// removal to, so removal happens at Close() instead of collection time.
type registryEntry struct {
	prev, next *registryEntry
	purge      func(timeout int64) int
	clear      func()
}

var (
	registryMu   sync.Mutex
	registryHead *registryEntry
)

func registryAdd(e *registryEntry) {
	registryMu.Lock()
	defer registryMu.Unlock()
	e.next = registryHead
	if registryHead != nil {
		registryHead.prev = e
	}
	registryHead = e
}

func registryRemove(e *registryEntry) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if e.prev != nil {
		e.prev.next = e.next
	} else if registryHead == e {
		registryHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.prev, e.next = nil, nil
}

// PurgeAll calls Purge(timeoutNanos) on every live registered store. It
// mirrors chorde.clients.inproc.cachePurge, iterated over every client
// that was registered at construction.
func PurgeAll(timeoutNanos int64) {
	registryMu.Lock()
	entries := snapshotLocked()
	registryMu.Unlock()

	for _, e := range entries {
		e.purge(timeoutNanos)
	}
}

// ClearAll calls Clear() on every live registered store. Mirrors
// chorde.clients.inproc.cacheClear.
func ClearAll() {
	registryMu.Lock()
	entries := snapshotLocked()
	registryMu.Unlock()

	for _, e := range entries {
		e.clear()
	}
}

func snapshotLocked() []*registryEntry {
	var out []*registryEntry
	for e := registryHead; e != nil; e = e.next {
		out = append(out, e)
	}
	return out
}
