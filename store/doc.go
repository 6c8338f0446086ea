// Package store implements the TTL-aware in-process cache and the Client
// contract every storage layer in chorde implements: a bounded mapping
// key -> (value, expiry) with eviction on capacity and explicit purge of
// expired entries.
//
// Design
//
//   - Concurrency: NewInproc returns a sharded store, each shard protected
//     by an RWMutex, chosen to reduce contention (power-of-two shard count,
//     ~2*GOMAXPROCS by default). NewBasic returns a single unsharded store
//     with NO internal locking, for use behind a syncutil adapter.
//
//   - TTL: entries carry an absolute expiry (UnixNano). A stale entry
//     (expiry < now) is not necessarily gone: GetTTL still returns it with
//     a negative remaining TTL until it is evicted by the policy, Purge, or
//     an explicit Delete. ttl == 0 on retrieval ("expires exactly now") is
//     the boundary and counts as non-stale.
//
//   - Eviction policy is pluggable via the policy package; LRU is the
//     default. A 2Q policy is also provided. Either choice satisfies the
//     coherence protocol's only real requirement of its backing map: a
//     capacity-bounded mapping with well-defined eviction.
//
//   - Add is an atomic stale-override: it stores only if the key is absent
//     or its current entry is already stale, never clobbering a live one.
//
//   - Purge walks every shard under its own write lock and returns the
//     removed entries to the caller after releasing the lock, so OnEvict
//     callbacks and metrics hooks never run while any shard lock is held
//     (spec invariant 3: no finalization while a lock is held).
//
//   - Lifecycle: NewInproc/NewBasic register the store in a package-wide
//     intrusive list at construction; PurgeAll/ClearAll iterate every live
//     store, and Close deregisters it.
//
// Basic usage
//
//	c := store.NewInproc[string, []byte](store.Options[string, []byte]{Capacity: 10_000})
//	c.Put("a", []byte("1"), 60*time.Second)
//	v, err := c.Get("a")
//
// See policy for the Policy/Hooks interfaces used to implement custom
// eviction strategies, syncutil for RW/Serialize adapters over NewBasic,
// namespace for the key-mangling decorator, and coherent for the
// cluster-coordinated wrapper that turns any Client into one that
// single-flights expensive recomputation across peers.
package store
