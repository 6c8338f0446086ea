// Package coherent wraps a store.Client with a coherence.Manager so that
// deletions and (optionally) single-flighted computations propagate
// across every node sharing the manager's namespace. Clear is not
// propagated: it clears the local wrapped client only.
package coherent

import (
	"context"
	"time"

	"github.com/distcache/chorde/coherence"
	"github.com/distcache/chorde/internal/singleflight"
	"github.com/distcache/chorde/store"
)

// WaitForever, passed as Defer's waitTime, blocks indefinitely instead of
// returning immediately when another node holds the computation lock.
const WaitForever time.Duration = -1

// Defer drives the coherence protocol's compute-or-wait decision for a
// single key, mirroring CoherentDefer.undefer/done: a caller constructs
// one per cache-miss, calls Undefer to get a value (or a skip), and calls
// Done afterward so a successful local computation is announced exactly
// once.
type Defer[K comparable, V any] struct {
	manager  *coherence.Manager[K, V]
	key      K
	expired  func() bool
	timeout  time.Duration
	waitTime time.Duration
	compute  func() (V, error)
	computed bool
}

// NewDefer constructs a Defer. waitTime is 0 (never wait for another
// node's computation), WaitForever (block with no time limit until the
// other node's completion is announced), or a positive bound.
func NewDefer[K comparable, V any](manager *coherence.Manager[K, V], key K, expired func() bool, timeout, waitTime time.Duration, compute func() (V, error)) *Defer[K, V] {
	return &Defer[K, V]{
		manager:  manager,
		key:      key,
		expired:  expired,
		timeout:  timeout,
		waitTime: waitTime,
		compute:  compute,
	}
}

// Undefer runs the compute-or-wait loop: compute the value itself if
// nobody else is; skip (ok=false) if the entry turned out fresh, if
// another node already finished, or if declining to wait for a busy
// computation; otherwise wait (bounded or unbounded) for the other node's
// completion and retry.
func (d *Defer[K, V]) Undefer() (value V, ok bool, err error) {
	for {
		if !d.expired() {
			return value, false, nil
		}

		outcome := d.manager.QueryPending(d.key, d.expired, d.timeout, true)
		switch outcome.Decision {
		case coherence.DecisionAcquired:
			d.computed = true
			value, err = d.compute()
			return value, true, err
		case coherence.DecisionOOBUpdate:
			return value, false, nil
		case coherence.DecisionBusy:
			if d.waitTime == 0 {
				return value, false, nil
			}
			if d.manager.WaitDone(d.key, d.waitTime) {
				return value, false, nil
			}
			// Timed out waiting: re-check who holds the lock now.
			continue
		default:
			return value, false, nil
		}
	}
}

// Done announces this node's completion to the cluster, but only if
// Undefer actually ran compute (a skip never holds the lock).
func (d *Defer[K, V]) Done() {
	if d.computed {
		d.manager.MarkDone(d.key)
	}
}

// Client wraps a store.Client so that Delete (and, in quick-refresh mode,
// Put) is announced through a coherence.Manager, and adds PutCoherently
// for single-flighted, cluster-coordinated computation. Clear is local.
type Client[K comparable, V any] struct {
	client       store.Client[K, V]
	manager      *coherence.Manager[K, V]
	timeout      time.Duration
	quickRefresh bool
	sf           singleflight.Group[K, V]
}

// Option configures a Client at construction time.
type Option[K comparable, V any] func(*Client[K, V])

// WithQuickRefresh makes every Put announce completion immediately
// instead of only computations that went through PutCoherently. Cheaper
// per-call, but duplicates work across nodes racing to refresh the same
// key (spec §4.6: decent consistency, some duplication of effort).
func WithQuickRefresh[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *Client[K, V]) { c.quickRefresh = enabled }
}

// WithTimeout overrides the coherence protocol round-trip timeout used by
// PutCoherently's Defer (default: the manager's bus heartbeat timeout).
func WithTimeout[K comparable, V any](timeout time.Duration) Option[K, V] {
	return func(c *Client[K, V]) { c.timeout = timeout }
}

// New wraps client with manager.
func New[K comparable, V any](client store.Client[K, V], manager *coherence.Manager[K, V], opts ...Option[K, V]) *Client[K, V] {
	c := &Client[K, V]{client: client, manager: manager}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores value directly, bypassing the computation lock. In
// quick-refresh mode it also announces the put as a completion so peers
// waiting on PutCoherently stop blocking sooner.
func (c *Client[K, V]) Put(key K, value V, ttl time.Duration) {
	c.client.Put(key, value, ttl)
	if c.quickRefresh {
		c.manager.FireDone(key)
	}
}

// PutCoherently ensures only one node in the cluster (and, within this
// process, only one goroutine via singleflight) computes key's new value
// at a time. Same-process callers wait for the local computation through
// singleflight; a node that finds another node computing does not wait
// (its Defer has waitTime 0) and returns without storing anything. expired
// is re-checked throughout, as the entry may be refreshed by someone else
// mid-flight.
func (c *Client[K, V]) PutCoherently(ctx context.Context, key K, ttl time.Duration, expired func() bool, compute func() (V, error)) error {
	_, err := c.sf.Do(ctx, key, func() (V, error) {
		timeout := c.timeout
		if timeout == 0 {
			timeout = c.manager.HeartbeatTimeout()
		}
		def := NewDefer[K, V](c.manager, key, expired, timeout, 0, compute)
		value, ok, err := def.Undefer()
		def.Done()
		if err != nil {
			var zero V
			return zero, err
		}
		if ok {
			c.client.Put(key, value, ttl)
		}
		return value, nil
	})
	return err
}

// Delete removes key locally and broadcasts the deletion to every node
// sharing the manager's namespace.
func (c *Client[K, V]) Delete(key K) {
	c.client.Delete(key)
	c.manager.FireDeletion(key)
}

// Wait delegates to the wrapped client; coherence propagation for async
// writes is fire-and-forget and is not separately awaited.
func (c *Client[K, V]) Wait(key K, timeout time.Duration) { c.client.Wait(key, timeout) }

// Get, GetOr, GetTTL, GetTTLOr, Add, Expire, Contains, Clear, Purge,
// Async, Capacity, Usage, and Close pass straight through to the wrapped
// client: only writes that must be seen cluster-wide go through the
// manager.
func (c *Client[K, V]) Get(key K) (V, error) { return c.client.Get(key) }
func (c *Client[K, V]) GetOr(key K, def V) V  { return c.client.GetOr(key, def) }
func (c *Client[K, V]) GetTTL(key K) (V, time.Duration, error) { return c.client.GetTTL(key) }
func (c *Client[K, V]) GetTTLOr(key K, def V) (V, time.Duration) {
	return c.client.GetTTLOr(key, def)
}
func (c *Client[K, V]) Add(key K, value V, ttl time.Duration) bool {
	return c.client.Add(key, value, ttl)
}
func (c *Client[K, V]) Expire(key K)                    { c.client.Expire(key) }
func (c *Client[K, V]) Contains(key K, margin time.Duration) bool {
	return c.client.Contains(key, margin)
}
// Clear wipes the local client only; nothing is broadcast to other nodes.
// Wrapping a *namespace.Wrapper[K,V] does not change that: its revision
// bump lives in that one Wrapper value, and other nodes' wrappers keep
// their own revision.
func (c *Client[K, V]) Clear() { c.client.Clear() }

func (c *Client[K, V]) Purge(timeout time.Duration) int { return c.client.Purge(timeout) }
func (c *Client[K, V]) Async() bool   { return c.client.Async() }
func (c *Client[K, V]) Capacity() int { return c.client.Capacity() }
func (c *Client[K, V]) Usage() int    { return c.client.Usage() }
func (c *Client[K, V]) Close() error  { return c.client.Close() }

var _ store.Client[string, int] = (*Client[string, int])(nil)
