package store

import (
	"math"
	"time"

	"github.com/distcache/chorde/policy"
	"github.com/distcache/chorde/policy/lru"
)

// basicStore is a single, unsharded map+list store with NO internal
// locking. It models the "pure Python" fallback chorde.clients.inproc uses
// when its C extension isn't built: correct only under external
// synchronization. Wrap it with syncutil.NewRW or syncutil.NewSerialize
// before handing it to concurrent callers (spec §4.2: "When the
// C-accelerated store is unavailable, InprocCacheClient construction
// silently returns an RW-adapter-wrapped store").
//
// Use NewInproc instead unless you specifically need the non-threadsafe
// reference behavior (e.g. to exercise syncutil against its own lock
// discipline).
type basicStore[K comparable, V any] struct {
	m    map[K]*node[K, V]
	head *node[K, V]
	tail *node[K, V]
	len  int
	cost int64

	opt Options[K, V]

	entry *registryEntry
	pol   policy.ShardPolicy[K, V]
}

// NewBasic constructs the unsharded, non-threadsafe store described above.
// It implements Client[K,V] but every method is safe only under external
// mutual exclusion.
func NewBasic[K comparable, V any](opt Options[K, V]) Client[K, V] {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New[K, V]()
	}
	b := &basicStore[K, V]{
		m:   make(map[K]*node[K, V]),
		opt: opt,
	}
	b.pol = opt.Policy.New(basicHooks[K, V]{b: b})
	b.entry = &registryEntry{
		purge: func(timeoutNanos int64) int { return b.Purge(time.Duration(timeoutNanos)) },
		clear: b.Clear,
	}
	registryAdd(b.entry)
	return b
}

func (b *basicStore[K, V]) now() int64 {
	if b.opt.Clock != nil {
		return b.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (b *basicStore[K, V]) deadline(ttl time.Duration) int64 { return b.now() + int64(ttl) }

func (b *basicStore[K, V]) costOf(v V) int32 {
	if b.opt.Cost == nil {
		return 0
	}
	c := b.opt.Cost(v)
	if c < 0 {
		c = 0
	}
	if c > math.MaxInt32 {
		c = math.MaxInt32
	}
	return int32(c)
}

func (b *basicStore[K, V]) stale(n *node[K, V]) bool { return n.exp < b.now() }

func (b *basicStore[K, V]) Put(k K, v V, ttl time.Duration) {
	b.setEntry(k, v, b.deadline(ttl), b.costOf(v))
}

func (b *basicStore[K, V]) Add(k K, v V, ttl time.Duration) bool {
	if n, ok := b.m[k]; ok && !b.stale(n) {
		return false
	}
	b.setEntry(k, v, b.deadline(ttl), b.costOf(v))
	return true
}

func (b *basicStore[K, V]) setEntry(k K, v V, deadline int64, cost int32) {
	if n, ok := b.m[k]; ok {
		old := int64(n.cost)
		n.val, n.exp, n.cost = v, deadline, cost
		b.cost += int64(cost) - old
		b.pol.OnUpdate(n)
		b.enforceLimits()
		return
	}
	n := &node[K, V]{key: k, val: v, exp: deadline, cost: cost}
	b.m[k] = n
	if ev := b.pol.OnAdd(n); ev != nil {
		b.evict(ev.(*node[K, V]), EvictPolicy)
	}
	b.enforceLimits()
}

func (b *basicStore[K, V]) Delete(k K) {
	n, ok := b.m[k]
	if !ok {
		return
	}
	b.pol.OnRemove(n)
	b.unlink(n)
	delete(b.m, k)
	b.opt.Metrics.Evict(EvictExplicit)
	if cb := b.opt.OnEvict; cb != nil {
		cb(n.key, n.val, EvictExplicit)
	}
}

func (b *basicStore[K, V]) Expire(k K) {
	if n, ok := b.m[k]; ok {
		n.exp = b.now()
	}
}

func (b *basicStore[K, V]) Get(k K) (V, error) {
	n, ok := b.m[k]
	if !ok {
		b.opt.Metrics.Miss()
		var zero V
		return zero, ErrMiss
	}
	if b.stale(n) {
		b.evict(n, EvictTTL)
		b.opt.Metrics.Miss()
		var zero V
		return zero, ErrMiss
	}
	b.pol.OnGet(n)
	b.opt.Metrics.Hit()
	return n.val, nil
}

func (b *basicStore[K, V]) GetOr(k K, def V) V {
	if v, err := b.Get(k); err == nil {
		return v
	}
	return def
}

func (b *basicStore[K, V]) GetTTL(k K) (V, time.Duration, error) {
	n, ok := b.m[k]
	if !ok {
		var zero V
		return zero, 0, ErrMiss
	}
	return n.val, time.Duration(n.exp - b.now()), nil
}

func (b *basicStore[K, V]) GetTTLOr(k K, def V) (V, time.Duration) {
	if v, ttl, err := b.GetTTL(k); err == nil {
		return v, ttl
	}
	return def, -1
}

func (b *basicStore[K, V]) Contains(k K, margin time.Duration) bool {
	n, ok := b.m[k]
	if !ok {
		return false
	}
	return time.Duration(n.exp-b.now()) > margin
}

func (b *basicStore[K, V]) Clear() {
	b.m = make(map[K]*node[K, V])
	b.head, b.tail, b.len, b.cost = nil, nil, 0, 0
}

func (b *basicStore[K, V]) Purge(timeout time.Duration) int {
	threshold := b.now() - int64(timeout)
	var victims []*node[K, V]
	for _, n := range b.m {
		if n.exp < threshold {
			victims = append(victims, n)
		}
	}
	for _, n := range victims {
		b.pol.OnRemove(n)
		b.unlink(n)
		delete(b.m, n.key)
		b.opt.Metrics.Evict(EvictTTL)
		if cb := b.opt.OnEvict; cb != nil {
			cb(n.key, n.val, EvictTTL)
		}
	}
	return len(victims)
}

func (b *basicStore[K, V]) Wait(K, time.Duration) {}
func (b *basicStore[K, V]) Async() bool           { return false }
func (b *basicStore[K, V]) Capacity() int         { return b.opt.Capacity }
func (b *basicStore[K, V]) Usage() int            { return b.len }

func (b *basicStore[K, V]) Close() error {
	registryRemove(b.entry)
	return nil
}

// -------------------- intrusive list + policy hooks --------------------

func (b *basicStore[K, V]) pushFront(n *node[K, V]) {
	n.prev, n.next = nil, b.head
	if b.head != nil {
		b.head.prev = n
	}
	b.head = n
	if b.tail == nil {
		b.tail = n
	}
	b.len++
	b.cost += int64(n.cost)
}

func (b *basicStore[K, V]) moveToFront(n *node[K, V]) {
	if n == b.head {
		return
	}
	b.unlinkNoCount(n)
	n.prev, n.next = nil, b.head
	if b.head != nil {
		b.head.prev = n
	}
	b.head = n
	if b.tail == nil {
		b.tail = n
	}
}

func (b *basicStore[K, V]) unlinkNoCount(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if b.head == n {
		b.head = n.next
	}
	if b.tail == n {
		b.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (b *basicStore[K, V]) unlink(n *node[K, V]) {
	b.unlinkNoCount(n)
	b.len--
	b.cost -= int64(n.cost)
	if b.cost < 0 {
		b.cost = 0
	}
}

func (b *basicStore[K, V]) evict(n *node[K, V], reason EvictReason) {
	b.pol.OnRemove(n)
	b.unlink(n)
	delete(b.m, n.key)
	b.opt.Metrics.Evict(reason)
	if cb := b.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

func (b *basicStore[K, V]) enforceLimits() {
	for b.opt.Capacity > 0 && b.len > b.opt.Capacity {
		if b.tail == nil {
			break
		}
		b.evict(b.tail, EvictPolicy)
	}
	if b.opt.MaxCost > 0 {
		for b.cost > b.opt.MaxCost {
			if b.tail == nil {
				break
			}
			b.evict(b.tail, EvictCapacity)
		}
	}
	b.opt.Metrics.Size(b.len, b.cost)
}

type basicHooks[K comparable, V any] struct{ b *basicStore[K, V] }

func (h basicHooks[K, V]) MoveToFront(x policy.Node[K, V]) { h.b.moveToFront(x.(*node[K, V])) }
func (h basicHooks[K, V]) PushFront(x policy.Node[K, V])   { h.b.pushFront(x.(*node[K, V])) }
func (h basicHooks[K, V]) Remove(x policy.Node[K, V])      { h.b.unlink(x.(*node[K, V])) }
func (h basicHooks[K, V]) Back() policy.Node[K, V] { return h.b.tail }
func (h basicHooks[K, V]) Len() int                { return h.b.len }
