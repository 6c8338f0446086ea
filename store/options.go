package store

import (
	"github.com/distcache/chorde/policy"
)

// Metrics exposes store-level observability hooks. A NoopMetrics
// implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures store behavior. Zero values are safe; NewInproc and
// NewBasic apply these defaults:
//   - nil Policy   => LRU
//   - Shards <= 0  => auto (rounded up to a power of two)
//   - nil Metrics  => NoopMetrics
type Options[K comparable, V any] struct {
	// Capacity is the entry-count limit (0 = unbounded).
	Capacity int

	// Shards defines the number of shards. If 0, an automatic value is
	// chosen (~2*GOMAXPROCS) and rounded to the next power of two. Ignored
	// by NewBasic, which is always a single unsharded partition.
	Shards int

	// Policy is the pluggable eviction policy (LRU/2Q/...); nil => LRU.
	// Satisfies spec §1's "the core depends on a capacity-bounded mapping
	// with defined eviction, but any correct implementation satisfies it."
	Policy policy.Policy[K, V]

	// Cost-based limiting (e.g. bytes). If Cost is non-nil and MaxCost > 0,
	// the store evicts until both entry count and total cost limits are
	// satisfied.
	Cost    func(v V) int
	MaxCost int64

	// OnEvict is called for every eviction. For Put/Get-triggered evictions
	// it runs under the shard lock (keep it cheap); Purge defers it until
	// after the lock is released (see store.Purge doc, invariant 3).
	OnEvict func(k K, v V, reason EvictReason)
	Metrics Metrics

	// Clock overrides the time source (tests). Nil => time.Now().
	Clock Clock
}
