// Package coherence implements the cross-node cache coherence protocol: a
// deletion broadcast (so every node's private cache drops a stale key
// together), a pending-computation registry (so concurrent callers across
// the cluster converge on one computation instead of stampeding), and the
// broker-role bookkeeping that backs both. It is built entirely on
// bus.Bus and store.Client; it never touches a transport or a cache
// implementation directly.
package coherence

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distcache/chorde/bus"
	"github.com/distcache/chorde/store"
)

// Decision is the outcome of QueryPending: whether the caller should
// compute the value itself, wait on someone else, or treat the entry as
// having been updated out-of-band while the query was in flight.
type Decision int

const (
	// DecisionAcquired means nobody else is computing this key (and, if a
	// lock was requested, this node now holds it): the caller should
	// compute the value.
	DecisionAcquired Decision = iota
	// DecisionBusy means Contact is already computing this key: the
	// caller should wait rather than compute.
	DecisionBusy
	// DecisionOOBUpdate means the entry stopped being expired while the
	// query was in flight, so whatever refreshed it should be trusted
	// instead of starting a new computation.
	DecisionOOBUpdate
)

func (d Decision) String() string {
	switch d {
	case DecisionAcquired:
		return "acquired"
	case DecisionBusy:
		return "busy"
	case DecisionOOBUpdate:
		return "oob-update"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Outcome is the full result of a QueryPending call.
type Outcome struct {
	Decision Decision
	Contact  string // valid iff Decision == DecisionBusy
}

// Metrics receives coherence-level counters. Use a no-op Metrics (the
// zero value of NoopMetrics) when none are wanted.
type Metrics interface {
	QuerySent()
	OOBSkip()
	BrokerPromotion()
	PendingSize(n int)
}

// NoopMetrics discards every call.
type NoopMetrics struct{}

func (NoopMetrics) QuerySent()        {}
func (NoopMetrics) OOBSkip()          {}
func (NoopMetrics) BrokerPromotion()  {}
func (NoopMetrics) PendingSize(int)   {}

// StableHash hashes an arbitrary comparable key to a uint64 that is stable
// across processes (unlike Go's builtin map hash, which is randomized per
// run). The original implementation this is grounded on computed this
// value and then fell through without returning it, silently handing
// every caller a zero hash; this version returns what it computes.
func StableHash[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case int:
		return uint64(v)
	case int32:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	case string:
		h := fnv.New64a()
		_, _ = h.Write([]byte(v))
		return h.Sum64()
	default:
		h := fnv.New64a()
		_, _ = fmt.Fprintf(h, "%v", v)
		return h.Sum64()
	}
}

const (
	delSuffix       = "|del"
	delAckSuffix    = "|delack"
	pendSuffix      = "|pend"
	pendqSuffix     = "|pendq"
	doneSuffix      = "|done"
	listPendqSuffix = "|listpendq"
)

type groupEntry struct {
	txid    int32
	contact string
}

// Manager coordinates coherent access to a private, per-node cache over a
// shared bus. K is the cache key type; V is unused by the protocol itself
// but ties a Manager to the store.Client it guards.
type Manager[K comparable, V any] struct {
	namespace   string
	b           bus.Bus
	private     store.Client[K, V]
	encoding    string
	synchronous bool
	metrics     Metrics

	delPrefix       string
	delAckPrefix    string
	pendPrefix      string
	pendqPrefix     string
	donePrefix      string
	listPendqPrefix string

	txidCounter int32

	mu           sync.Mutex
	pending      map[K]int32 // this node's own in-flight computations
	groupPending map[K]groupEntry

	delTok       bus.Token
	enterTok     bus.Token
	leaveTok     bus.Token
	listPendqTok bus.Token

	brokerMu                   sync.Mutex
	subscribedAsBroker         bool
	pendTok, pendqTok, doneTok bus.Token
}

// Option configures a Manager at construction time.
type Option[K comparable, V any] func(*Manager[K, V])

// WithSynchronous makes FireDeletion's waiter block for a delack reply
// instead of returning immediately.
func WithSynchronous[K comparable, V any](synchronous bool) Option[K, V] {
	return func(m *Manager[K, V]) { m.synchronous = synchronous }
}

// WithEncoding overrides the bus payload encoding (default bus.GobEncoding).
func WithEncoding[K comparable, V any](encoding string) Option[K, V] {
	return func(m *Manager[K, V]) { m.encoding = encoding }
}

// WithMetrics attaches a Metrics sink.
func WithMetrics[K comparable, V any](metrics Metrics) Option[K, V] {
	return func(m *Manager[K, V]) { m.metrics = metrics }
}

// New constructs a Manager over private, subscribing it for deletion
// broadcasts and broker-role changes immediately.
func New[K comparable, V any](namespace string, b bus.Bus, private store.Client[K, V], opts ...Option[K, V]) *Manager[K, V] {
	m := &Manager[K, V]{
		namespace:       namespace,
		b:               b,
		private:         private,
		encoding:        bus.GobEncoding,
		metrics:         NoopMetrics{},
		delPrefix:       namespace + delSuffix,
		delAckPrefix:    namespace + delAckSuffix,
		pendPrefix:      namespace + pendSuffix,
		pendqPrefix:     namespace + pendqSuffix,
		donePrefix:      namespace + doneSuffix,
		listPendqPrefix: namespace + listPendqSuffix,
		pending:         make(map[K]int32),
		groupPending:    make(map[K]groupEntry),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.delTok = m.b.ListenDecode(m.delPrefix, bus.IncomingUpdate, m.encoding, m.onDeletion)
	m.enterTok = m.b.Listen("", bus.EnterBroker, m.onEnterBroker)
	m.leaveTok = m.b.Listen("", bus.LeaveBroker, m.onLeaveBroker)
	m.listPendqTok = m.b.ListenDecode(m.listPendqPrefix, bus.IncomingUpdate, m.encoding, m.onListPendingQuery)
	if m.b.IsBroker() {
		m.becomeBroker()
	}
	return m
}

// Close unsubscribes the manager from the bus. It does not close private.
func (m *Manager[K, V]) Close() {
	m.b.Unlisten(m.delPrefix, bus.IncomingUpdate, m.delTok)
	m.b.Unlisten("", bus.EnterBroker, m.enterTok)
	m.b.Unlisten("", bus.LeaveBroker, m.leaveTok)
	m.b.Unlisten(m.listPendqPrefix, bus.IncomingUpdate, m.listPendqTok)
	m.demoteFromBroker()
}

// HeartbeatTimeout is the bus's own liveness timeout, used as the default
// coherence protocol round-trip timeout when a caller doesn't pick one.
func (m *Manager[K, V]) HeartbeatTimeout() time.Duration { return m.b.HeartbeatPushTimeout() }

func (m *Manager[K, V]) nextTxid() int32 {
	for {
		old := atomic.LoadInt32(&m.txidCounter)
		next := (old + 1) & 0x7fffffff
		if atomic.CompareAndSwapInt32(&m.txidCounter, old, next) {
			return next
		}
	}
}

// ---- deletion broadcast ----

type delPayload[K comparable] struct {
	Txid int32
	Key  K
}

// Waiter is returned by FireDeletion. Wait blocks until the corresponding
// delack arrives (synchronous mode) or returns immediately (async mode,
// the default).
type Waiter struct {
	synchronous bool
	ackCh       chan struct{}
	unlisten    func()
	once        sync.Once
}

// Wait blocks for up to timeout for the delack. A zero timeout waits
// forever. In async mode it returns true immediately.
func (w *Waiter) Wait(timeout time.Duration) bool {
	if !w.synchronous {
		return true
	}
	defer w.once.Do(w.unlisten)
	if timeout <= 0 {
		<-w.ackCh
		return true
	}
	select {
	case <-w.ackCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// FireDeletion broadcasts the deletion of key to every node sharing this
// namespace, including this one. The returned Waiter subscribes to the
// delack reply before publishing so a fast responder's ack is never
// missed between subscribe and publish.
func (m *Manager[K, V]) FireDeletion(key K) *Waiter {
	txid := m.nextTxid()
	w := m.newWaiter(txid)

	payload, err := m.b.EncodePayload(m.encoding, delPayload[K]{Txid: txid, Key: key})
	if err == nil {
		_ = m.b.Publish(m.delPrefix, payload)
	}
	return w
}

func (m *Manager[K, V]) newWaiter(txid int32) *Waiter {
	w := &Waiter{synchronous: m.synchronous}
	if !m.synchronous {
		return w
	}
	w.ackCh = make(chan struct{}, 1)
	tok := m.b.ListenDecode(m.delAckPrefix, bus.IncomingUpdate, m.encoding, func(msg bus.Message) bus.HandlerResult {
		var got int32
		if err := m.b.DecodePayload(m.encoding, msg.Payload, &got); err == nil && got == txid {
			select {
			case w.ackCh <- struct{}{}:
			default:
			}
			return bus.Unsubscribe()
		}
		return bus.Keep()
	})
	w.unlisten = func() { m.b.Unlisten(m.delAckPrefix, bus.IncomingUpdate, tok) }
	return w
}

func (m *Manager[K, V]) onDeletion(msg bus.Message) bus.HandlerResult {
	var payload delPayload[K]
	if err := m.b.DecodePayload(m.encoding, msg.Payload, &payload); err != nil {
		return bus.Keep()
	}
	m.private.Delete(payload.Key)
	if m.synchronous {
		if ack, err := m.b.EncodePayload(m.encoding, payload.Txid); err == nil {
			_ = m.b.Publish(m.delAckPrefix, ack)
		}
	}
	return bus.Keep()
}

// ---- pending-computation registry ----

// QueryPending asks whether key is already being computed elsewhere.
// expired reports whether the caller's own copy is stale enough to need a
// fresh computation; it may be called more than once as the query
// retries. If lock is true and the decision comes back DecisionAcquired,
// this node is registered as the holder until MarkDone is called.
func (m *Manager[K, V]) QueryPending(key K, expired func() bool, timeout time.Duration, lock bool) Outcome {
	m.metrics.QuerySent()
	if m.b.IsBroker() {
		return m.queryPendingLocally(key, expired, lock)
	}
	return m.queryPendingRemote(key, expired, timeout, lock)
}

func (m *Manager[K, V]) queryPendingLocally(key K, expired func() bool, lock bool) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ge, ok := m.groupPending[key]; ok {
		return Outcome{Decision: DecisionBusy, Contact: ge.contact}
	}
	if _, ok := m.pending[key]; ok {
		return Outcome{Decision: DecisionBusy, Contact: m.b.Identity()}
	}
	if !expired() {
		m.metrics.OOBSkip()
		return Outcome{Decision: DecisionOOBUpdate}
	}
	if lock {
		txid := m.nextTxid()
		m.groupPending[key] = groupEntry{txid: txid, contact: m.b.Identity()}
		m.pending[key] = txid
		m.metrics.PendingSize(len(m.groupPending))
	}
	return Outcome{Decision: DecisionAcquired}
}

type pendqPayload[K comparable] struct {
	Key     K
	Txid    int32
	Contact string
	Lock    bool
}

type pendqReplyPayload struct {
	Found   bool
	Contact string
}

func (m *Manager[K, V]) queryPendingRemote(key K, expired func() bool, timeout time.Duration, lock bool) Outcome {
	var txid int32
	if lock {
		txid = m.nextTxid()
	}
	req := pendqPayload[K]{Key: key, Txid: txid, Contact: m.b.Identity(), Lock: lock}
	payload, err := m.b.EncodePayload(m.encoding, req)
	if err != nil {
		return m.queryPendingLocally(key, expired, lock)
	}

	quarter := timeout / 4
	var (
		replyPayload []byte
		gotReply     bool
	)
	for attempt := 0; attempt < 3; attempt++ {
		rp, ok, err := m.b.PublishAck(m.pendqPrefix, payload, quarter)
		if err != nil {
			return m.queryPendingLocally(key, expired, lock)
		}
		if ok {
			replyPayload, gotReply = rp, true
			break
		}
		if !expired() {
			break
		}
	}
	if !gotReply && expired() {
		rp, ok, err := m.b.PublishAck(m.pendqPrefix, payload, quarter)
		if err == nil && ok {
			replyPayload, gotReply = rp, true
		}
	}

	var outcome Outcome
	switch {
	case gotReply:
		var reply pendqReplyPayload
		if err := m.b.DecodePayload(m.encoding, replyPayload, &reply); err != nil {
			outcome = Outcome{Decision: DecisionOOBUpdate}
		} else if reply.Found {
			outcome = Outcome{Decision: DecisionBusy, Contact: reply.Contact}
		} else if !expired() {
			m.metrics.OOBSkip()
			outcome = Outcome{Decision: DecisionOOBUpdate}
		} else {
			outcome = Outcome{Decision: DecisionAcquired}
		}
	case expired():
		outcome = Outcome{Decision: DecisionAcquired}
	default:
		m.metrics.OOBSkip()
		outcome = Outcome{Decision: DecisionOOBUpdate}
	}

	if lock && outcome.Decision == DecisionAcquired {
		m.mu.Lock()
		m.pending[key] = txid
		m.mu.Unlock()
	}
	return outcome
}

// MarkDone releases this node's hold on key (acquired via a locking
// QueryPending) and announces completion to the broker so other nodes'
// queries stop reporting it busy.
func (m *Manager[K, V]) MarkDone(key K) {
	m.mu.Lock()
	txid, ok := m.pending[key]
	delete(m.pending, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	payload, err := m.b.EncodePayload(m.encoding, donePayload[K]{Txid: txid, Keys: []K{key}, Contact: m.b.Identity()})
	if err != nil {
		return
	}
	_ = m.b.Publish(m.donePrefix, payload)
}

// FireDone announces that keys were refreshed without ever going through
// QueryPending's locking path (the quick-refresh put mode: publish every
// completion, skip taking the computation lock). Since no txid was ever
// recorded for these keys, the broker-side stale-completion guard in
// onDone never matches an existing groupPending entry for them, so no
// group_pending row is cleared; the announcement only wakes WaitDone
// callers on every node.
func (m *Manager[K, V]) FireDone(keys ...K) {
	if len(keys) == 0 {
		return
	}
	payload, err := m.b.EncodePayload(m.encoding, donePayload[K]{Keys: keys, Contact: m.b.Identity()})
	if err != nil {
		return
	}
	_ = m.b.Publish(m.donePrefix, payload)
}

// WaitDone blocks until a done announcement for key is observed. timeout
// zero polls once without blocking; timeout negative blocks indefinitely;
// a positive timeout bounds the wait. It subscribes before checking so it
// can't structurally miss a delivery that arrives after the subscribe call
// completes; a done published before WaitDone subscribes is not observed,
// matching the best-effort nature of the underlying announcement.
func (m *Manager[K, V]) WaitDone(key K, timeout time.Duration) bool {
	ch := make(chan struct{}, 1)
	tok := m.b.ListenDecode(m.donePrefix, bus.IncomingUpdate, m.encoding, func(msg bus.Message) bus.HandlerResult {
		var payload donePayload[K]
		if err := m.b.DecodePayload(m.encoding, msg.Payload, &payload); err == nil {
			for _, k := range payload.Keys {
				if k == key {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}
		return bus.Keep()
	})
	defer m.b.Unlisten(m.donePrefix, bus.IncomingUpdate, tok)

	switch {
	case timeout == 0:
		select {
		case <-ch:
			return true
		default:
			return false
		}
	case timeout < 0:
		<-ch
		return true
	default:
		select {
		case <-ch:
			return true
		case <-time.After(timeout):
			return false
		}
	}
}

type donePayload[K comparable] struct {
	Txid    int32
	Keys    []K
	Contact string
}

// ---- broker-role bookkeeping ----

func (m *Manager[K, V]) onEnterBroker(bus.Message) bus.HandlerResult {
	m.becomeBroker()
	return bus.Keep()
}

func (m *Manager[K, V]) onLeaveBroker(bus.Message) bus.HandlerResult {
	m.demoteFromBroker()
	return bus.Keep()
}

func (m *Manager[K, V]) becomeBroker() {
	m.brokerMu.Lock()
	defer m.brokerMu.Unlock()
	if m.subscribedAsBroker {
		return
	}
	m.subscribedAsBroker = true
	m.pendTok = m.b.ListenDecode(m.pendPrefix, bus.IncomingUpdate, m.encoding, m.onPendingAnnounce)
	m.pendqTok = m.b.ListenDecode(m.pendqPrefix, bus.IncomingUpdate, m.encoding, m.onPendingQuery)
	m.doneTok = m.b.ListenDecode(m.donePrefix, bus.IncomingUpdate, m.encoding, m.onDone)
	m.metrics.BrokerPromotion()
	_ = m.b.Publish(m.listPendqPrefix, nil)
}

func (m *Manager[K, V]) demoteFromBroker() {
	m.brokerMu.Lock()
	defer m.brokerMu.Unlock()
	if !m.subscribedAsBroker {
		return
	}
	m.subscribedAsBroker = false
	m.b.Unlisten(m.pendPrefix, bus.IncomingUpdate, m.pendTok)
	m.b.Unlisten(m.pendqPrefix, bus.IncomingUpdate, m.pendqTok)
	m.b.Unlisten(m.donePrefix, bus.IncomingUpdate, m.doneTok)
}

func (m *Manager[K, V]) onPendingQuery(msg bus.Message) bus.HandlerResult {
	var req pendqPayload[K]
	if err := m.b.DecodePayload(m.encoding, msg.Payload, &req); err != nil {
		return bus.Keep()
	}

	m.mu.Lock()
	ge, found := m.groupPending[req.Key]
	reply := pendqReplyPayload{Found: found}
	if found {
		reply.Contact = ge.contact
	}
	if req.Lock && !found {
		m.groupPending[req.Key] = groupEntry{txid: req.Txid, contact: req.Contact}
	}
	size := len(m.groupPending)
	m.mu.Unlock()
	m.metrics.PendingSize(size)

	payload, err := m.b.EncodePayload(m.encoding, reply)
	if err != nil {
		return bus.Keep()
	}
	return bus.ReplyWith(payload)
}

type pendAnnounce[K comparable] struct {
	Entries []pendEntry[K]
}

type pendEntry[K comparable] struct {
	Key     K
	Txid    int32
	Contact string
}

// onListPendingQuery answers a newly-promoted broker's listpendq broadcast
// by republishing this node's own in-flight computations, so the new
// broker's groupPending table is reseeded with state the previous broker
// held instead of starting empty after a failover.
func (m *Manager[K, V]) onListPendingQuery(bus.Message) bus.HandlerResult {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return bus.Keep()
	}
	announce := pendAnnounce[K]{Entries: make([]pendEntry[K], 0, len(m.pending))}
	for k, txid := range m.pending {
		announce.Entries = append(announce.Entries, pendEntry[K]{Key: k, Txid: txid, Contact: m.b.Identity()})
	}
	m.mu.Unlock()

	payload, err := m.b.EncodePayload(m.encoding, announce)
	if err != nil {
		return bus.Keep()
	}
	_ = m.b.Publish(m.pendPrefix, payload)
	return bus.Keep()
}

func (m *Manager[K, V]) onPendingAnnounce(msg bus.Message) bus.HandlerResult {
	var announce pendAnnounce[K]
	if err := m.b.DecodePayload(m.encoding, msg.Payload, &announce); err != nil {
		return bus.Keep()
	}
	m.mu.Lock()
	for _, e := range announce.Entries {
		m.groupPending[e.Key] = groupEntry{txid: e.Txid, contact: e.Contact}
	}
	size := len(m.groupPending)
	m.mu.Unlock()
	m.metrics.PendingSize(size)
	return bus.Keep()
}

func (m *Manager[K, V]) onDone(msg bus.Message) bus.HandlerResult {
	var payload donePayload[K]
	if err := m.b.DecodePayload(m.encoding, msg.Payload, &payload); err != nil {
		return bus.Keep()
	}
	m.mu.Lock()
	for _, key := range payload.Keys {
		if ge, ok := m.groupPending[key]; ok && ge.txid == payload.Txid && ge.contact == payload.Contact {
			delete(m.groupPending, key)
		}
	}
	size := len(m.groupPending)
	m.mu.Unlock()
	m.metrics.PendingSize(size)
	return bus.Keep()
}
