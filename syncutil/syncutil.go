// Package syncutil wraps a non-threadsafe store.Client (store.NewBasic) with
// external synchronization, mirroring chorde's ReadWriteSyncAdapter and
// SyncAdapter: the underlying store is never itself locked, every exported
// method takes the adapter's own lock instead.
package syncutil

import (
	"sync"
	"time"

	"github.com/distcache/chorde/store"
)

// RWAdapter protects a non-threadsafe store.Client with a sync.RWMutex:
// reads (Get, GetTTL, Contains, ...) acquire the read lock and may run
// concurrently with each other; writes (Put, Add, Delete, Expire, Clear,
// Purge) acquire the write lock exclusively. Appropriate when the wrapped
// store's read path vastly outweighs its write path.
type RWAdapter[K comparable, V any] struct {
	mu     sync.RWMutex
	client store.Client[K, V]
}

// NewRW wraps client with a read/write adapter. client must not be used
// concurrently by any other caller.
func NewRW[K comparable, V any](client store.Client[K, V]) *RWAdapter[K, V] {
	return &RWAdapter[K, V]{client: client}
}

func (a *RWAdapter[K, V]) Put(key K, value V, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Put(key, value, ttl)
}

func (a *RWAdapter[K, V]) Add(key K, value V, ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Add(key, value, ttl)
}

func (a *RWAdapter[K, V]) Delete(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Delete(key)
}

func (a *RWAdapter[K, V]) Expire(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Expire(key)
}

func (a *RWAdapter[K, V]) Get(key K) (V, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client.Get(key)
}

func (a *RWAdapter[K, V]) GetOr(key K, def V) V {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client.GetOr(key, def)
}

func (a *RWAdapter[K, V]) GetTTL(key K) (V, time.Duration, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client.GetTTL(key)
}

func (a *RWAdapter[K, V]) GetTTLOr(key K, def V) (V, time.Duration) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client.GetTTLOr(key, def)
}

func (a *RWAdapter[K, V]) Contains(key K, margin time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client.Contains(key, margin)
}

func (a *RWAdapter[K, V]) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Clear()
}

func (a *RWAdapter[K, V]) Purge(timeout time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Purge(timeout)
}

func (a *RWAdapter[K, V]) Wait(key K, timeout time.Duration) {
	// The wrapped store is synchronous; nothing to wait on beyond
	// acquiring and releasing the lock once to observe any pending write.
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.client.Wait(key, timeout)
}

func (a *RWAdapter[K, V]) Async() bool { return a.client.Async() }

func (a *RWAdapter[K, V]) Capacity() int { return a.client.Capacity() }

func (a *RWAdapter[K, V]) Usage() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client.Usage()
}

func (a *RWAdapter[K, V]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Close()
}

// SerializeAdapter protects a non-threadsafe store.Client with a single
// sync.Mutex: every operation, read or write, is fully serialized. Use this
// over RWAdapter when the wrapped store's own bookkeeping (LRU touch on
// Get, etc.) mutates state on reads too, so a shared read lock would not be
// safe.
type SerializeAdapter[K comparable, V any] struct {
	mu     sync.Mutex
	client store.Client[K, V]
}

// NewSerialize wraps client with a fully serialized adapter. client must
// not be used concurrently by any other caller.
func NewSerialize[K comparable, V any](client store.Client[K, V]) *SerializeAdapter[K, V] {
	return &SerializeAdapter[K, V]{client: client}
}

func (a *SerializeAdapter[K, V]) Put(key K, value V, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Put(key, value, ttl)
}

func (a *SerializeAdapter[K, V]) Add(key K, value V, ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Add(key, value, ttl)
}

func (a *SerializeAdapter[K, V]) Delete(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Delete(key)
}

func (a *SerializeAdapter[K, V]) Expire(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Expire(key)
}

func (a *SerializeAdapter[K, V]) Get(key K) (V, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Get(key)
}

func (a *SerializeAdapter[K, V]) GetOr(key K, def V) V {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.GetOr(key, def)
}

func (a *SerializeAdapter[K, V]) GetTTL(key K) (V, time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.GetTTL(key)
}

func (a *SerializeAdapter[K, V]) GetTTLOr(key K, def V) (V, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.GetTTLOr(key, def)
}

func (a *SerializeAdapter[K, V]) Contains(key K, margin time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Contains(key, margin)
}

func (a *SerializeAdapter[K, V]) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Clear()
}

func (a *SerializeAdapter[K, V]) Purge(timeout time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Purge(timeout)
}

func (a *SerializeAdapter[K, V]) Wait(key K, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client.Wait(key, timeout)
}

func (a *SerializeAdapter[K, V]) Async() bool { return a.client.Async() }

func (a *SerializeAdapter[K, V]) Capacity() int { return a.client.Capacity() }

func (a *SerializeAdapter[K, V]) Usage() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Usage()
}

func (a *SerializeAdapter[K, V]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Close()
}

var (
	_ store.Client[string, int] = (*RWAdapter[string, int])(nil)
	_ store.Client[string, int] = (*SerializeAdapter[string, int])(nil)
)
