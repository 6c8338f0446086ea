// Package namespace decorates keys with a (namespace, revision) pair so
// many logical caches can share one underlying store.Client without key
// collisions, and so that "clear" can be a cheap logical revision bump
// instead of a physical wipe of a client other namespaces still use.
package namespace

import (
	"sync/atomic"
	"time"

	"github.com/distcache/chorde/store"
)

// revmarkTTL is how long the REVMARK entry lives: one hour, for a
// bookkeeping key that is cheap to rewrite if it expires.
const revmarkTTL = time.Hour

// Key is the decorated key type stored in the underlying client: every
// namespace member's key becomes a Key wrapping (namespace, revision, raw
// key). Marker is true only for the namespace's own REVMARK entry, whose
// Raw is the zero value of K.
type Key[K comparable] struct {
	Namespace string
	Revision  int64
	Raw       K
	Marker    bool
}


// Wrapper decorates every key passed through it with the owning namespace
// and its current revision, delegating everything else to an underlying
// store.Client[Key[K], V]. Clear does not touch the underlying client's
// entries: it bumps the revision counter and republishes the REVMARK, so
// old-revision keys simply become unreachable (spec invariant 4: the
// revision bump must be visible before the logical clear is considered
// complete, so no reader can observe a mix of old and new revisions).
type Wrapper[K comparable, V any] struct {
	namespace string
	revision  atomic.Int64
	client    store.Client[Key[K], V]
}

// NewWrapper constructs a namespace wrapper over client starting at
// revision 0. V is an arbitrary type parameter, so the REVMARK marker
// entry (written by Clear; nothing in this package reads it back)
// cannot generically carry the new revision number as
// its value; the counter itself lives only in the Wrapper and is lost
// across a process restart. Callers that need restart survival should
// keep the revision in their own durable config and seed it via
// SetRevision before first use.
func NewWrapper[K comparable, V any](namespace string, client store.Client[Key[K], V]) *Wrapper[K, V] {
	return &Wrapper[K, V]{namespace: namespace, client: client}
}

// SetRevision seeds the in-memory revision counter, e.g. to resume from a
// value the caller persisted out-of-band after a previous Clear.
func (w *Wrapper[K, V]) SetRevision(rev int64) { w.revision.Store(rev) }

// Namespace returns the wrapper's namespace name.
func (w *Wrapper[K, V]) Namespace() string { return w.namespace }

// Revision returns the current in-memory revision counter.
func (w *Wrapper[K, V]) Revision() int64 { return w.revision.Load() }

func (w *Wrapper[K, V]) decorate(k K) Key[K] {
	return Key[K]{Namespace: w.namespace, Revision: w.revision.Load(), Raw: k}
}

func (w *Wrapper[K, V]) Put(key K, value V, ttl time.Duration) {
	w.client.Put(w.decorate(key), value, ttl)
}

func (w *Wrapper[K, V]) Add(key K, value V, ttl time.Duration) bool {
	return w.client.Add(w.decorate(key), value, ttl)
}

func (w *Wrapper[K, V]) Delete(key K) { w.client.Delete(w.decorate(key)) }

func (w *Wrapper[K, V]) Expire(key K) { w.client.Expire(w.decorate(key)) }

func (w *Wrapper[K, V]) Get(key K) (V, error) { return w.client.Get(w.decorate(key)) }

func (w *Wrapper[K, V]) GetOr(key K, def V) V { return w.client.GetOr(w.decorate(key), def) }

func (w *Wrapper[K, V]) GetTTL(key K) (V, time.Duration, error) {
	return w.client.GetTTL(w.decorate(key))
}

func (w *Wrapper[K, V]) GetTTLOr(key K, def V) (V, time.Duration) {
	return w.client.GetTTLOr(w.decorate(key), def)
}

func (w *Wrapper[K, V]) Contains(key K, margin time.Duration) bool {
	return w.client.Contains(w.decorate(key), margin)
}

// Clear performs a logical revision bump rather than a physical wipe: the
// underlying client is shared, possibly with other namespaces, so it is
// never cleared here. The REVMARK entry is written with a bounded TTL
// before the in-memory counter is bumped. It holds the zero value of V,
// not the revision, and NewWrapper does not read it, so neither a new
// Wrapper nor another Wrapper over the same client learns the new
// revision from it.
func (w *Wrapper[K, V]) Clear() {
	next := w.revision.Load() + 1
	w.client.Put(Key[K]{Namespace: w.namespace, Marker: true}, zeroV[V](), revmarkTTL)
	w.revision.Store(next)
}

func zeroV[V any]() V {
	var z V
	return z
}

// Purge and Wait/Async/Capacity/Usage/Close fall through undecorated: they
// are properties of the shared underlying client, not of any one
// namespace.
func (w *Wrapper[K, V]) Purge(timeout time.Duration) int { return w.client.Purge(timeout) }
func (w *Wrapper[K, V]) Wait(key K, timeout time.Duration) {
	w.client.Wait(w.decorate(key), timeout)
}
func (w *Wrapper[K, V]) Async() bool     { return w.client.Async() }
func (w *Wrapper[K, V]) Capacity() int   { return w.client.Capacity() }
func (w *Wrapper[K, V]) Usage() int      { return w.client.Usage() }
func (w *Wrapper[K, V]) Close() error    { return nil }

// MirrorWrapper reads its namespace and revision from a reference Wrapper
// instead of owning them, so several MirrorWrapper instances backed by
// different underlying clients can all track one namespace's revision
// (spec §4.3 "mirror wrapper").
type MirrorWrapper[K comparable, V any] struct {
	reference *Wrapper[K, V]
	client    store.Client[Key[K], V]
}

// NewMirror constructs a wrapper that mirrors reference's namespace and
// revision but reads/writes through its own client.
func NewMirror[K comparable, V any](reference *Wrapper[K, V], client store.Client[Key[K], V]) *MirrorWrapper[K, V] {
	return &MirrorWrapper[K, V]{reference: reference, client: client}
}

func (w *MirrorWrapper[K, V]) Namespace() string { return w.reference.Namespace() }
func (w *MirrorWrapper[K, V]) Revision() int64   { return w.reference.Revision() }

func (w *MirrorWrapper[K, V]) decorate(k K) Key[K] {
	return Key[K]{Namespace: w.reference.Namespace(), Revision: w.reference.Revision(), Raw: k}
}

func (w *MirrorWrapper[K, V]) Put(key K, value V, ttl time.Duration) {
	w.client.Put(w.decorate(key), value, ttl)
}
func (w *MirrorWrapper[K, V]) Add(key K, value V, ttl time.Duration) bool {
	return w.client.Add(w.decorate(key), value, ttl)
}
func (w *MirrorWrapper[K, V]) Delete(key K) { w.client.Delete(w.decorate(key)) }
func (w *MirrorWrapper[K, V]) Expire(key K) { w.client.Expire(w.decorate(key)) }
func (w *MirrorWrapper[K, V]) Get(key K) (V, error) {
	return w.client.Get(w.decorate(key))
}
func (w *MirrorWrapper[K, V]) GetOr(key K, def V) V {
	return w.client.GetOr(w.decorate(key), def)
}
func (w *MirrorWrapper[K, V]) GetTTL(key K) (V, time.Duration, error) {
	return w.client.GetTTL(w.decorate(key))
}
func (w *MirrorWrapper[K, V]) GetTTLOr(key K, def V) (V, time.Duration) {
	return w.client.GetTTLOr(w.decorate(key), def)
}
func (w *MirrorWrapper[K, V]) Contains(key K, margin time.Duration) bool {
	return w.client.Contains(w.decorate(key), margin)
}

// Clear on a mirror still cannot physically wipe the shared client; unlike
// Wrapper, it does not own the revision counter, so it delegates entirely
// to the reference wrapper's Clear.
func (w *MirrorWrapper[K, V]) Clear() { w.reference.Clear() }

func (w *MirrorWrapper[K, V]) Purge(timeout time.Duration) int { return w.client.Purge(timeout) }
func (w *MirrorWrapper[K, V]) Wait(key K, timeout time.Duration) {
	w.client.Wait(w.decorate(key), timeout)
}
func (w *MirrorWrapper[K, V]) Async() bool   { return w.client.Async() }
func (w *MirrorWrapper[K, V]) Capacity() int { return w.client.Capacity() }
func (w *MirrorWrapper[K, V]) Usage() int    { return w.client.Usage() }
func (w *MirrorWrapper[K, V]) Close() error  { return nil }

var (
	_ store.Client[int, string] = (*Wrapper[int, string])(nil)
	_ store.Client[int, string] = (*MirrorWrapper[int, string])(nil)
)
