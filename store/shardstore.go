package store

import (
	"sync"
	"time"

	"github.com/distcache/chorde/internal/util"
	"github.com/distcache/chorde/policy"
)

// shardStore is an independent partition of the store with its own lock,
// map, and intrusive doubly linked list (head=MRU, tail=LRU). It implements
// the per-entry operations; ttlStore fans requests out to one of these by
// key hash.
type shardStore[K comparable, V any] struct {
	mu      sync.RWMutex
	m       map[K]*node[K, V]
	head    *node[K, V]
	tail    *node[K, V]
	len     int
	cost    int64
	cap     int
	maxCost int64

	pol policy.ShardPolicy[K, V]
	opt Options[K, V]

	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

func newShardStore[K comparable, V any](capacity int, pol policy.Policy[K, V], opt Options[K, V], maxCost int64) *shardStore[K, V] {
	s := &shardStore[K, V]{
		m:       make(map[K]*node[K, V]),
		cap:     capacity,
		maxCost: maxCost,
		opt:     opt,
	}
	s.pol = pol.New(shardHooks[K, V]{s: s})
	return s
}

func (s *shardStore[K, V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// staleLocked reports whether n's expiry has already passed relative to
// now. exp == now is the boundary and is NOT stale (spec §3: "ttl = 0 on
// retrieval means expires exactly now and is not considered stale").
func (s *shardStore[K, V]) staleLocked(n *node[K, V], now int64) bool {
	return n.exp < now
}

// Put unconditionally stores key->value at the given absolute deadline.
func (s *shardStore[K, V]) Put(k K, v V, deadline int64, cost int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(k, v, deadline, cost)
}

// Add stores key->value only if absent or stale; returns true iff stored.
func (s *shardStore[K, V]) Add(k K, v V, deadline int64, cost int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if n, ok := s.m[k]; ok && !s.staleLocked(n, now) {
		return false
	}
	s.setLocked(k, v, deadline, cost)
	return true
}

// setLocked inserts or in-place updates k, promoting per policy.
func (s *shardStore[K, V]) setLocked(k K, v V, deadline int64, cost int32) {
	if n, ok := s.m[k]; ok {
		oldCost := int64(n.cost)
		n.val = v
		n.exp = deadline
		n.cost = cost
		s.cost += int64(cost) - oldCost
		s.pol.OnUpdate(n)
		s.enforceLimitsLocked()
		return
	}

	n := &node[K, V]{key: k, val: v, exp: deadline, cost: cost}
	s.m[k] = n
	if ev := s.pol.OnAdd(n); ev != nil {
		s.evictNode(ev.(*node[K, V]), EvictPolicy)
	}
	s.enforceLimitsLocked()
}

// Delete removes k if present. Missing key is a no-op.
func (s *shardStore[K, V]) Delete(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[k]
	if !ok {
		return
	}
	s.pol.OnRemove(n)
	s.removeNode(n)
	delete(s.m, k)
	s.opt.Metrics.Evict(EvictExplicit)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, EvictExplicit)
	}
}

// Expire forces key's deadline to now, so it reads as stale afterwards.
// Missing key is a no-op (spec §4.1/§8 boundary).
func (s *shardStore[K, V]) Expire(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[k]
	if !ok {
		return
	}
	n.exp = s.now()
}

// Get returns (value, ok) and promotes on hit. A stale entry is a miss
// here; the store evicts it lazily.
func (s *shardStore[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		var zero V
		return zero, false
	}
	if s.staleLocked(n, s.now()) {
		s.evictNode(n, EvictTTL)
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		var zero V
		return zero, false
	}
	s.pol.OnGet(n)
	s.hits.Add(1)
	s.opt.Metrics.Hit()
	return n.val, true
}

// GetTTL returns (value, remaining-ttl, present). Unlike Get, a stale entry
// is still "present": its value and a negative ttl are returned, not
// evicted (spec §3: "a stale entry may still be returned by getTtl ...
// until evicted or purged").
func (s *shardStore[K, V]) GetTTL(k K) (V, time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.m[k]
	if !ok {
		var zero V
		return zero, 0, false
	}
	remaining := time.Duration(n.exp - s.now())
	return n.val, remaining, true
}

// Contains reports presence with remaining ttl strictly greater than
// margin.
func (s *shardStore[K, V]) Contains(k K, margin time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.m[k]
	if !ok {
		return false
	}
	return time.Duration(n.exp-s.now()) > margin
}

// Len returns the number of resident entries.
func (s *shardStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len
}

// Clear removes every entry.
func (s *shardStore[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[K]*node[K, V])
	s.head, s.tail = nil, nil
	s.len, s.cost = 0, 0
}

// purgeEntry pins a removed key/value past unlock, so OnEvict callbacks
// never run while the shard lock is held (spec invariant 3).
type purgeEntry[K comparable, V any] struct {
	key K
	val V
}

// Purge removes entries whose expiry is strictly older than now-timeout,
// returning them so the caller can run OnEvict/metrics hooks outside the
// lock.
func (s *shardStore[K, V]) Purge(timeout time.Duration) []purgeEntry[K, V] {
	s.mu.Lock()
	threshold := s.now() - int64(timeout)
	var victims []*node[K, V]
	for _, n := range s.m {
		if n.exp < threshold {
			victims = append(victims, n)
		}
	}
	out := make([]purgeEntry[K, V], 0, len(victims))
	for _, n := range victims {
		s.pol.OnRemove(n)
		s.removeNode(n)
		delete(s.m, n.key)
		s.evicts.Add(1)
		out = append(out, purgeEntry[K, V]{key: n.key, val: n.val})
	}
	s.mu.Unlock()
	return out
}

// -------------------- internals (mu held) --------------------

func (s *shardStore[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
	s.cost += int64(n.cost)
}

func (s *shardStore[K, V]) moveToFront(n *node[K, V]) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *shardStore[K, V]) removeNode(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
	s.cost -= int64(n.cost)
	if s.cost < 0 {
		s.cost = 0
	}
}

func (s *shardStore[K, V]) back() *node[K, V] { return s.tail }

func (s *shardStore[K, V]) evictNode(n *node[K, V], reason EvictReason) {
	s.pol.OnRemove(n)
	s.removeNode(n)
	delete(s.m, n.key)
	s.evicts.Add(1)
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

func (s *shardStore[K, V]) enforceLimitsLocked() {
	for s.cap > 0 && s.len > s.cap {
		if tail := s.back(); tail != nil {
			s.evictNode(tail, EvictPolicy)
		} else {
			break
		}
	}
	if s.maxCost > 0 {
		for s.cost > s.maxCost {
			if tail := s.back(); tail != nil {
				s.evictNode(tail, EvictCapacity)
			} else {
				break
			}
		}
	}
	s.opt.Metrics.Size(s.len, s.cost)
}

// -------------------- policy hooks --------------------

type shardHooks[K comparable, V any] struct{ s *shardStore[K, V] }

func (h shardHooks[K, V]) MoveToFront(x policy.Node[K, V]) { h.s.moveToFront(x.(*node[K, V])) }
func (h shardHooks[K, V]) PushFront(x policy.Node[K, V])   { h.s.insertFront(x.(*node[K, V])) }
func (h shardHooks[K, V]) Remove(x policy.Node[K, V])      { h.s.removeNode(x.(*node[K, V])) }
func (h shardHooks[K, V]) Back() policy.Node[K, V]         { return h.s.back() }
func (h shardHooks[K, V]) Len() int                        { return h.s.len }
