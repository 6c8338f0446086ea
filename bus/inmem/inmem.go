// Package inmem implements bus.Bus as an in-process, multi-node
// simulation: every Node registered with a shared Network can publish to
// and listen on the others, with one Node elected broker at a time. It
// exists to drive coherence-protocol tests and the bundled demo without a
// real network.
//
// The join/leave/broker-election bookkeeping is an actor loop (register,
// unregister, and promote requests flow through channels into a single
// goroutine), the same shape as a WebSocket connection manager's
// register/unregister/broadcast loop; publish/subscribe dispatch itself
// runs synchronously in the publisher's goroutine, since handlers here are
// in-process function calls, not network round-trips: the subscriber list
// is copied under the Network's mutex and the handlers are called after
// it is released.
package inmem

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distcache/chorde/bus"
)

// ErrNoBroker names the no-broker condition. No function in this package
// returns it: PublishAck with no replying subscriber returns ok=false and
// a nil error, whether or not a broker is elected.
var ErrNoBroker = errors.New("inmem: no broker available")

type subscription struct {
	token   bus.Token
	nodeID  string
	handler bus.Handler
}

type topicKey struct {
	prefix string
	event  bus.Event
}

// Network is the shared hub every Node registers with. The zero value is
// not usable; construct with NewNetwork.
type Network struct {
	heartbeatTimeout time.Duration

	mu       sync.Mutex
	nodes    map[string]*Node
	brokerID string
	subs     map[topicKey][]*subscription
	nextTok  uint64

	joinCh   chan *Node
	leaveCh  chan *Node
	promoted chan string
}

// NewNetwork constructs an empty Network. heartbeatTimeout is reported to
// every Node via HeartbeatPushTimeout, sizing the coherence manager's
// query_pending retry budget.
func NewNetwork(heartbeatTimeout time.Duration) *Network {
	n := &Network{
		heartbeatTimeout: heartbeatTimeout,
		nodes:            make(map[string]*Node),
		subs:             make(map[topicKey][]*subscription),
		joinCh:           make(chan *Node),
		leaveCh:          make(chan *Node),
		promoted:         make(chan string, 8),
	}
	go n.run()
	return n
}

// run is the network's actor loop: membership changes and broker
// elections are serialized through it so Join/Leave/Promote never race
// each other, mirroring the register/unregister/broadcast channel loop
// common to connection-manager implementations.
func (n *Network) run() {
	for {
		select {
		case node := <-n.joinCh:
			n.mu.Lock()
			n.nodes[node.identity] = node
			becameBroker := n.brokerID == ""
			if becameBroker {
				n.brokerID = node.identity
			}
			n.mu.Unlock()
			if becameBroker {
				node.fireLocal(topicKey{event: bus.EnterBroker}, bus.Message{})
			}
		case node := <-n.leaveCh:
			n.mu.Lock()
			delete(n.nodes, node.identity)
			wasBroker := n.brokerID == node.identity
			var next *Node
			if wasBroker {
				n.brokerID = ""
				for _, other := range n.nodes {
					next = other
					break
				}
				if next != nil {
					n.brokerID = next.identity
				}
			}
			n.mu.Unlock()
			if wasBroker {
				node.fireLocal(topicKey{event: bus.LeaveBroker}, bus.Message{})
				if next != nil {
					next.fireLocal(topicKey{event: bus.EnterBroker}, bus.Message{})
				}
			}
		case id := <-n.promoted:
			n.mu.Lock()
			prev := n.brokerID
			n.brokerID = id
			prevNode := n.nodes[prev]
			newNode := n.nodes[id]
			n.mu.Unlock()
			if prevNode != nil && prev != id {
				prevNode.fireLocal(topicKey{event: bus.LeaveBroker}, bus.Message{})
			}
			if newNode != nil && prev != id {
				newNode.fireLocal(topicKey{event: bus.EnterBroker}, bus.Message{})
			}
		}
	}
}

// Join registers a new node with identity id and returns its Bus handle.
func (n *Network) Join(id string) *Node {
	node := &Node{net: n, identity: id}
	n.joinCh <- node
	return node
}

// Leave removes node from the network, triggering a re-election if it was
// broker.
func (n *Network) Leave(node *Node) { n.leaveCh <- node }

// Promote forces id to become broker immediately, for tests exercising
// broker failover without waiting on Leave-triggered election.
func (n *Network) Promote(id string) { n.promoted <- id }

func (n *Network) isBroker(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.brokerID == id
}

func (n *Network) brokerNode() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[n.brokerID]
}

func (n *Network) nextToken() bus.Token {
	return bus.Token(atomic.AddUint64(&n.nextTok, 1))
}

// Node is one participant's bus.Bus handle into a Network.
type Node struct {
	net      *Network
	identity string
}

var _ bus.Bus = (*Node)(nil)

func (no *Node) Publish(prefix string, payload []byte) error {
	no.net.deliver(prefix, bus.IncomingUpdate, bus.Message{Prefix: prefix, Payload: payload, From: no.identity})
	return nil
}

func (no *Node) PublishEncode(prefix, encoding string, value any) error {
	payload, err := no.EncodePayload(encoding, value)
	if err != nil {
		return err
	}
	no.net.deliver(prefix, bus.IncomingUpdate, bus.Message{Prefix: prefix, Payload: payload, Encoding: encoding, From: no.identity})
	return nil
}

// PublishAck delivers payload to every IncomingUpdate subscriber on prefix
// and returns the first non-nil BrokerReply, mirroring a pendq round trip
// to the elected broker. timeout is accepted for interface parity; the
// in-memory delivery is synchronous so it is never actually waited on.
func (no *Node) PublishAck(prefix string, payload []byte, timeout time.Duration) ([]byte, bool, error) {
	reply, ok := no.net.deliverAck(prefix, bus.Message{Prefix: prefix, Payload: payload, From: no.identity})
	if !ok {
		return nil, false, nil
	}
	return reply, true, nil
}

func (no *Node) Listen(prefix string, event bus.Event, handler bus.Handler) bus.Token {
	return no.net.subscribe(prefix, event, no.identity, handler)
}

func (no *Node) ListenDecode(prefix string, event bus.Event, encoding string, handler bus.Handler) bus.Token {
	wrapped := func(m bus.Message) bus.HandlerResult {
		m.Encoding = encoding
		return handler(m)
	}
	return no.net.subscribe(prefix, event, no.identity, wrapped)
}

func (no *Node) Unlisten(prefix string, event bus.Event, token bus.Token) {
	no.net.unsubscribe(prefix, event, token)
}

func (no *Node) IsBroker() bool { return no.net.isBroker(no.identity) }

func (no *Node) Identity() string { return no.identity }

func (no *Node) HeartbeatPushTimeout() time.Duration { return no.net.heartbeatTimeout }

func (no *Node) EncodePayload(encoding string, v any) ([]byte, error) {
	switch encoding {
	case bus.GobEncoding, "":
		return bus.EncodeGob(v)
	default:
		return nil, errors.New("inmem: unsupported encoding " + encoding)
	}
}

func (no *Node) DecodePayload(encoding string, data []byte, out any) error {
	switch encoding {
	case bus.GobEncoding, "":
		return bus.DecodeGob(data, out)
	default:
		return errors.New("inmem: unsupported encoding " + encoding)
	}
}

// fireLocal delivers a broker-role-change event (which has no prefix) only
// to this node's own subscriptions.
func (no *Node) fireLocal(key topicKey, msg bus.Message) {
	no.net.mu.Lock()
	subs := append([]*subscription(nil), no.net.subs[key]...)
	no.net.mu.Unlock()
	var remaining []*subscription
	for _, s := range subs {
		if s.nodeID != no.identity {
			continue
		}
		if s.handler(msg).Continue {
			remaining = append(remaining, s)
		}
	}
	no.net.mu.Lock()
	if len(remaining) == 0 {
		delete(no.net.subs, key)
	} else {
		no.net.subs[key] = remaining
	}
	no.net.mu.Unlock()
}

func (n *Network) subscribe(prefix string, event bus.Event, nodeID string, handler bus.Handler) bus.Token {
	tok := n.nextToken()
	key := topicKey{prefix: prefix, event: event}
	n.mu.Lock()
	n.subs[key] = append(n.subs[key], &subscription{token: tok, nodeID: nodeID, handler: handler})
	n.mu.Unlock()
	return tok
}

func (n *Network) unsubscribe(prefix string, event bus.Event, token bus.Token) {
	key := topicKey{prefix: prefix, event: event}
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[key]
	for i, s := range subs {
		if s.token == token {
			n.subs[key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// deliver fans msg out to every subscriber on (prefix, event), dropping
// subscriptions whose handler returns Continue=false.
func (n *Network) deliver(prefix string, event bus.Event, msg bus.Message) {
	key := topicKey{prefix: prefix, event: event}
	n.mu.Lock()
	subs := append([]*subscription(nil), n.subs[key]...)
	n.mu.Unlock()

	var remaining []*subscription
	for _, s := range subs {
		if !s.handler(msg).Continue {
			continue
		}
		remaining = append(remaining, s)
	}
	n.mu.Lock()
	if len(remaining) == 0 {
		delete(n.subs, key)
	} else {
		n.subs[key] = remaining
	}
	n.mu.Unlock()
}

// deliverAck is deliver, but collects the first BrokerReply any handler
// returns.
func (n *Network) deliverAck(prefix string, msg bus.Message) ([]byte, bool) {
	key := topicKey{prefix: prefix, event: bus.IncomingUpdate}
	n.mu.Lock()
	subs := append([]*subscription(nil), n.subs[key]...)
	n.mu.Unlock()

	var reply []byte
	var got bool
	var remaining []*subscription
	for _, s := range subs {
		res := s.handler(msg)
		if res.Reply != nil && !got {
			reply = res.Reply.Payload
			got = true
		}
		if res.Continue {
			remaining = append(remaining, s)
		}
	}
	n.mu.Lock()
	if len(remaining) == 0 {
		delete(n.subs, key)
	} else {
		n.subs[key] = remaining
	}
	n.mu.Unlock()
	return reply, got
}
