package store

import (
	"hash/maphash"
	"math"
	"runtime"
	"time"

	"github.com/distcache/chorde/internal/util"
	"github.com/distcache/chorde/policy/lru"
)

// ttlStore is the sharded, internally-synchronized TTL store. It is what
// NewInproc returns: the "C-accelerated" path of spec §4.2, always
// thread-safe without needing a syncutil adapter.
type ttlStore[K comparable, V any] struct {
	shards []*shardStore[K, V]
	hash   func(K) uint64
	opt    Options[K, V]
	entry  *registryEntry
}

// NewInproc constructs a sharded, thread-safe, TTL-aware in-process store
// implementing Client[K,V]. It is registered in the package-wide registry
// at construction (spec §4.1 "Lifecycle") so PurgeAll/ClearAll can reach it.
func NewInproc[K comparable, V any](opt Options[K, V]) Client[K, V] {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New[K, V]()
	}

	sh := opt.Shards
	if sh <= 0 {
		auto := 2 * runtime.GOMAXPROCS(0)
		sh = int(util.NextPow2(uint64(auto)))
		if sh < 1 {
			sh = 1
		}
	} else {
		sh = int(util.NextPow2(uint64(sh)))
	}

	var perShardCost int64
	if opt.MaxCost > 0 {
		perShardCost = (opt.MaxCost + int64(sh) - 1) / int64(sh)
	}

	perShardCap := 0
	if opt.Capacity > 0 {
		perShardCap = (opt.Capacity + sh - 1) / sh
	}

	cs := make([]*shardStore[K, V], sh)
	for i := range cs {
		cs[i] = newShardStore[K, V](perShardCap, opt.Policy, opt, perShardCost)
	}

	// Fnv64a panics on key types it has no case for (structs such as
	// namespace.Key, arrays, ...); those keys are sharded by
	// maphash.Comparable instead.
	hash := util.Fnv64a[K]
	func() {
		defer func() {
			if recover() != nil {
				seed := maphash.MakeSeed()
				hash = func(k K) uint64 { return maphash.Comparable(seed, k) }
			}
		}()
		var zero K
		util.Fnv64a(zero)
	}()

	t := &ttlStore[K, V]{
		shards: cs,
		hash:   hash,
		opt:    opt,
	}
	t.entry = &registryEntry{
		purge: func(timeoutNanos int64) int { return t.Purge(time.Duration(timeoutNanos)) },
		clear: t.Clear,
	}
	registryAdd(t.entry)
	return t
}

func (t *ttlStore[K, V]) getShard(k K) *shardStore[K, V] {
	h := t.hash(k)
	return t.shards[int(h)&(len(t.shards)-1)]
}

func (t *ttlStore[K, V]) deadline(ttl time.Duration) int64 {
	now := time.Now().UnixNano()
	if t.opt.Clock != nil {
		now = t.opt.Clock.NowUnixNano()
	}
	return now + int64(ttl)
}

func (t *ttlStore[K, V]) cost(v V) int32 {
	if t.opt.Cost == nil {
		return 0
	}
	c := t.opt.Cost(v)
	if c < 0 {
		c = 0
	}
	if c > math.MaxInt32 {
		c = math.MaxInt32
	}
	return int32(c)
}

func (t *ttlStore[K, V]) Put(k K, v V, ttl time.Duration) {
	t.getShard(k).Put(k, v, t.deadline(ttl), t.cost(v))
}

func (t *ttlStore[K, V]) Add(k K, v V, ttl time.Duration) bool {
	return t.getShard(k).Add(k, v, t.deadline(ttl), t.cost(v))
}

func (t *ttlStore[K, V]) Delete(k K) { t.getShard(k).Delete(k) }

func (t *ttlStore[K, V]) Expire(k K) { t.getShard(k).Expire(k) }

func (t *ttlStore[K, V]) Get(k K) (V, error) {
	v, ok := t.getShard(k).Get(k)
	if !ok {
		var zero V
		return zero, ErrMiss
	}
	return v, nil
}

func (t *ttlStore[K, V]) GetOr(k K, def V) V {
	if v, ok := t.getShard(k).Get(k); ok {
		return v
	}
	return def
}

func (t *ttlStore[K, V]) GetTTL(k K) (V, time.Duration, error) {
	v, ttl, ok := t.getShard(k).GetTTL(k)
	if !ok {
		var zero V
		return zero, 0, ErrMiss
	}
	return v, ttl, nil
}

func (t *ttlStore[K, V]) GetTTLOr(k K, def V) (V, time.Duration) {
	if v, ttl, ok := t.getShard(k).GetTTL(k); ok {
		return v, ttl
	}
	return def, -1
}

func (t *ttlStore[K, V]) Contains(k K, margin time.Duration) bool {
	return t.getShard(k).Contains(k, margin)
}

func (t *ttlStore[K, V]) Clear() {
	for _, s := range t.shards {
		s.Clear()
	}
}

func (t *ttlStore[K, V]) Purge(timeout time.Duration) int {
	n := 0
	for _, s := range t.shards {
		victims := s.Purge(timeout)
		n += len(victims)
		for _, v := range victims {
			t.opt.Metrics.Evict(EvictTTL)
			if cb := t.opt.OnEvict; cb != nil {
				cb(v.key, v.val, EvictTTL)
			}
		}
	}
	return n
}

// Wait is a no-op: ttlStore is synchronous (spec §4.1/§7 "wait on a
// non-async client returns immediately").
func (t *ttlStore[K, V]) Wait(K, time.Duration) {}

func (t *ttlStore[K, V]) Async() bool { return false }

func (t *ttlStore[K, V]) Capacity() int { return t.opt.Capacity }

func (t *ttlStore[K, V]) Usage() int {
	total := 0
	for _, s := range t.shards {
		total += s.Len()
	}
	return total
}

func (t *ttlStore[K, V]) Close() error {
	registryRemove(t.entry)
	return nil
}
