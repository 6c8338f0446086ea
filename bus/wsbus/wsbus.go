// Package wsbus implements bus.Bus over gorilla/websocket: one process runs
// a Hub (which plays the broker role for every connected Node) and any
// number of other processes dial in as Nodes. The Hub's connection
// bookkeeping follows the register/unregister/broadcast actor-loop shape
// common to WebSocket connection managers: membership changes flow through
// channels into one goroutine, so the subscriber table is never touched by
// more than one goroutine at a time.
//
// Scope note: broker failover across the wire is not implemented here —
// the Hub always plays the broker, every Node is always a listener. Full
// broker re-election over a real transport is exercised by bus/inmem
// instead; wsbus exists to exercise the gorilla/websocket dependency with
// real socket framing.
package wsbus

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/distcache/chorde/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type frameKind uint8

const (
	kindPub frameKind = iota
	kindAckPub
	kindReply
	kindSub
	kindUnsub
)

// frame is the wire message exchanged between Hub and Node, sent as one
// JSON websocket message (see wireFrame).
type frame struct {
	ID       uint64
	Kind     frameKind
	Prefix   string
	Event    bus.Event
	Payload  []byte
	Encoding string
	From     string
}

// Hub accepts Node connections over HTTP/WebSocket and routes pub/sub
// traffic between them. Hub itself satisfies bus.Bus, acting as the
// always-broker participant.
type Hub struct {
	identity  string
	heartbeat time.Duration

	conns      map[*conn]bool
	register   chan *conn
	unregister chan *conn
	inbound    chan inboundFrame

	mu       sync.Mutex
	subs     map[topicKey][]*conn
	pending  map[uint64]*conn // ack id -> originating conn, for reply routing
	nextID   uint64
	localSub map[topicKey][]*subEntry // Hub's own in-process subscriptions (Listen called on the Hub itself)
}

type subEntry struct {
	token   bus.Token
	handler bus.Handler
}

type topicKey struct {
	prefix string
	event  bus.Event
}

type inboundFrame struct {
	c *conn
	f frame
}

type conn struct {
	ws   *websocket.Conn
	send chan frame
	hub  *Hub
}

// NewHub constructs a Hub with the given broker identity string, reported
// to Nodes via Identity().
func NewHub(identity string, heartbeat time.Duration) *Hub {
	h := &Hub{
		identity:   identity,
		heartbeat:  heartbeat,
		conns:      make(map[*conn]bool),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		inbound:    make(chan inboundFrame, 64),
		subs:       make(map[topicKey][]*conn),
		pending:    make(map[uint64]*conn),
		localSub:   make(map[topicKey][]*subEntry),
	}
	go h.run()
	return h
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// resulting connection with the Hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, send: make(chan frame, 32), hub: h}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// run is the Hub's actor loop: connection join/leave and every routing
// decision are serialized through it, mirroring a WebSocketManager's
// register/unregister/broadcast select loop.
func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.conns[c] = true
		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
				h.dropConn(c)
			}
		case in := <-h.inbound:
			h.handleInbound(in.c, in.f)
		}
	}
}

func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, cs := range h.subs {
		out := cs[:0]
		for _, x := range cs {
			if x != c {
				out = append(out, x)
			}
		}
		if len(out) == 0 {
			delete(h.subs, k)
		} else {
			h.subs[k] = out
		}
	}
}

func (h *Hub) handleInbound(c *conn, f frame) {
	switch f.Kind {
	case kindSub:
		h.mu.Lock()
		h.subs[topicKey{f.Prefix, f.Event}] = append(h.subs[topicKey{f.Prefix, f.Event}], c)
		h.mu.Unlock()
	case kindUnsub:
		h.mu.Lock()
		key := topicKey{f.Prefix, f.Event}
		cs := h.subs[key]
		out := cs[:0]
		for _, x := range cs {
			if x != c {
				out = append(out, x)
			}
		}
		if len(out) == 0 {
			delete(h.subs, key)
		} else {
			h.subs[key] = out
		}
		h.mu.Unlock()
	case kindPub, kindAckPub:
		h.route(c, f)
	case kindReply:
		h.mu.Lock()
		origin := h.pending[f.ID]
		delete(h.pending, f.ID)
		h.mu.Unlock()
		if origin != nil {
			origin.send <- f
		}
	}
}

// route delivers a published frame to every subscriber on (prefix,
// IncomingUpdate), including the Hub's own local subscriptions registered
// via Listen on the Hub itself.
func (h *Hub) route(origin *conn, f frame) {
	key := topicKey{f.Prefix, bus.IncomingUpdate}

	h.mu.Lock()
	targets := append([]*conn(nil), h.subs[key]...)
	if f.Kind == kindAckPub {
		h.pending[f.ID] = origin
	}
	local := append([]*subEntry(nil), h.localSub[key]...)
	h.mu.Unlock()

	msg := bus.Message{Prefix: f.Prefix, Payload: f.Payload, Encoding: f.Encoding, From: f.From}
	var keep []*subEntry
	for _, s := range local {
		res := s.handler(msg)
		if res.Reply != nil && f.Kind == kindAckPub {
			origin.send <- frame{ID: f.ID, Kind: kindReply, Payload: res.Reply.Payload}
		}
		if res.Continue {
			keep = append(keep, s)
		}
	}
	if len(local) > 0 {
		h.mu.Lock()
		if len(keep) == 0 {
			delete(h.localSub, key)
		} else {
			h.localSub[key] = keep
		}
		h.mu.Unlock()
	}

	for _, t := range targets {
		if t == origin {
			continue
		}
		t.send <- f
	}
}

func (h *Hub) nextFrameID() uint64 { return atomic.AddUint64(&h.nextID, 1) }

var _ bus.Bus = (*Hub)(nil)

func (h *Hub) Publish(prefix string, payload []byte) error {
	h.inbound <- inboundFrame{f: frame{Kind: kindPub, Prefix: prefix, Payload: payload, From: h.identity}}
	return nil
}

func (h *Hub) PublishEncode(prefix, encoding string, value any) error {
	payload, err := h.EncodePayload(encoding, value)
	if err != nil {
		return err
	}
	return h.Publish(prefix, payload)
}

func (h *Hub) PublishAck(prefix string, payload []byte, timeout time.Duration) ([]byte, bool, error) {
	// The Hub is itself the broker: a publish from the Hub has nowhere
	// authoritative "above" it to ack from, so this degrades to a plain
	// publish with no reply, same as query_pending's local-broker path.
	return nil, false, h.Publish(prefix, payload)
}

func (h *Hub) Listen(prefix string, event bus.Event, handler bus.Handler) bus.Token {
	tok := bus.Token(h.nextFrameID())
	h.mu.Lock()
	key := topicKey{prefix, event}
	h.localSub[key] = append(h.localSub[key], &subEntry{token: tok, handler: handler})
	h.mu.Unlock()
	return tok
}

func (h *Hub) ListenDecode(prefix string, event bus.Event, encoding string, handler bus.Handler) bus.Token {
	wrapped := func(m bus.Message) bus.HandlerResult {
		m.Encoding = encoding
		return handler(m)
	}
	return h.Listen(prefix, event, wrapped)
}

func (h *Hub) Unlisten(prefix string, event bus.Event, token bus.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := topicKey{prefix, event}
	subs := h.localSub[key]
	for i, s := range subs {
		if s.token == token {
			h.localSub[key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (h *Hub) IsBroker() bool { return true }

func (h *Hub) Identity() string { return h.identity }

func (h *Hub) HeartbeatPushTimeout() time.Duration { return h.heartbeat }

func (h *Hub) EncodePayload(encoding string, v any) ([]byte, error) { return encodePayload(encoding, v) }

func (h *Hub) DecodePayload(encoding string, data []byte, out any) error {
	return decodePayload(encoding, data, out)
}

func encodePayload(encoding string, v any) ([]byte, error) {
	switch encoding {
	case bus.GobEncoding, "":
		return bus.EncodeGob(v)
	default:
		return nil, fmt.Errorf("wsbus: unsupported encoding %q", encoding)
	}
}

func decodePayload(encoding string, data []byte, out any) error {
	switch encoding {
	case bus.GobEncoding, "":
		return bus.DecodeGob(data, out)
	default:
		return fmt.Errorf("wsbus: unsupported encoding %q", encoding)
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for f := range c.send {
		if err := c.ws.WriteJSON(wireEnvelope(f)); err != nil {
			return
		}
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.ws.Close()
	}()
	for {
		var env wireFrame
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.hub.inbound <- inboundFrame{c: c, f: env.toFrame()}
	}
}

// wireFrame is frame's JSON-safe representation (frame.Payload is binary,
// so it travels base64-encoded via encoding/json's native []byte support).
type wireFrame struct {
	ID       uint64
	Kind     frameKind
	Prefix   string
	Event    bus.Event
	Payload  []byte
	Encoding string
	From     string
}

func wireEnvelope(f frame) wireFrame {
	return wireFrame{ID: f.ID, Kind: f.Kind, Prefix: f.Prefix, Event: f.Event, Payload: f.Payload, Encoding: f.Encoding, From: f.From}
}

func (w wireFrame) toFrame() frame {
	return frame{ID: w.ID, Kind: w.Kind, Prefix: w.Prefix, Event: w.Event, Payload: w.Payload, Encoding: w.Encoding, From: w.From}
}

// Node is a client connection into a Hub. It satisfies bus.Bus, always
// reporting IsBroker() == false (see package doc).
type Node struct {
	identity string
	heartbeat time.Duration
	ws       *websocket.Conn

	send chan frame
	mu   sync.Mutex
	subs map[topicKey]bus.Handler
	tokens map[bus.Token]topicKey

	pendingMu sync.Mutex
	pendingAck map[uint64]chan frame
	nextID     uint64

	closeOnce sync.Once
	closed    chan struct{}
}

var _ bus.Bus = (*Node)(nil)

// Dial connects to a Hub served at url (e.g. "ws://host:port/bus") with
// the given node identity.
func Dial(url, identity string, heartbeat time.Duration) (*Node, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	n := &Node{
		identity:   identity,
		heartbeat:  heartbeat,
		ws:         ws,
		send:       make(chan frame, 32),
		subs:       make(map[topicKey]bus.Handler),
		tokens:     make(map[bus.Token]topicKey),
		pendingAck: make(map[uint64]chan frame),
		closed:     make(chan struct{}),
	}
	go n.writePump()
	go n.readPump()
	return n, nil
}

func (n *Node) writePump() {
	defer n.ws.Close()
	for {
		select {
		case f := <-n.send:
			if err := n.ws.WriteJSON(wireEnvelope(f)); err != nil {
				return
			}
		case <-n.closed:
			return
		}
	}
}

func (n *Node) readPump() {
	defer n.ws.Close()
	for {
		var env wireFrame
		if err := n.ws.ReadJSON(&env); err != nil {
			return
		}
		f := env.toFrame()
		switch f.Kind {
		case kindReply:
			n.pendingMu.Lock()
			ch := n.pendingAck[f.ID]
			delete(n.pendingAck, f.ID)
			n.pendingMu.Unlock()
			if ch != nil {
				ch <- f
			}
		case kindPub, kindAckPub:
			n.mu.Lock()
			handler, ok := n.subs[topicKey{f.Prefix, bus.IncomingUpdate}]
			n.mu.Unlock()
			if !ok {
				continue
			}
			res := handler(bus.Message{Prefix: f.Prefix, Payload: f.Payload, Encoding: f.Encoding, From: f.From})
			if res.Reply != nil && f.Kind == kindAckPub {
				n.send <- frame{ID: f.ID, Kind: kindReply, Payload: res.Reply.Payload}
			}
			if !res.Continue {
				n.mu.Lock()
				delete(n.subs, topicKey{f.Prefix, bus.IncomingUpdate})
				n.mu.Unlock()
			}
		}
	}
}

// Close terminates the Node's connection to its Hub.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return n.ws.Close()
}

func (n *Node) Publish(prefix string, payload []byte) error {
	n.send <- frame{Kind: kindPub, Prefix: prefix, Payload: payload, From: n.identity}
	return nil
}

func (n *Node) PublishEncode(prefix, encoding string, value any) error {
	payload, err := n.EncodePayload(encoding, value)
	if err != nil {
		return err
	}
	return n.Publish(prefix, payload)
}

func (n *Node) PublishAck(prefix string, payload []byte, timeout time.Duration) ([]byte, bool, error) {
	id := atomic.AddUint64(&n.nextID, 1)
	ch := make(chan frame, 1)
	n.pendingMu.Lock()
	n.pendingAck[id] = ch
	n.pendingMu.Unlock()

	n.send <- frame{ID: id, Kind: kindAckPub, Prefix: prefix, Payload: payload, From: n.identity}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case f := <-ch:
		return f.Payload, true, nil
	case <-timer:
		n.pendingMu.Lock()
		delete(n.pendingAck, id)
		n.pendingMu.Unlock()
		return nil, false, nil
	}
}

func (n *Node) Listen(prefix string, event bus.Event, handler bus.Handler) bus.Token {
	tok := bus.Token(atomic.AddUint64(&n.nextID, 1) | (1 << 63))
	key := topicKey{prefix, event}
	n.mu.Lock()
	n.subs[key] = handler
	n.tokens[tok] = key
	n.mu.Unlock()
	n.send <- frame{Kind: kindSub, Prefix: prefix, Event: event, From: n.identity}
	return tok
}

func (n *Node) ListenDecode(prefix string, event bus.Event, encoding string, handler bus.Handler) bus.Token {
	wrapped := func(m bus.Message) bus.HandlerResult {
		m.Encoding = encoding
		return handler(m)
	}
	return n.Listen(prefix, event, wrapped)
}

func (n *Node) Unlisten(prefix string, event bus.Event, token bus.Token) {
	n.mu.Lock()
	key, ok := n.tokens[token]
	if ok {
		delete(n.tokens, token)
		delete(n.subs, key)
	}
	n.mu.Unlock()
	if ok {
		n.send <- frame{Kind: kindUnsub, Prefix: prefix, Event: event, From: n.identity}
	}
}

func (n *Node) IsBroker() bool { return false }

func (n *Node) Identity() string { return n.identity }

func (n *Node) HeartbeatPushTimeout() time.Duration { return n.heartbeat }

func (n *Node) EncodePayload(encoding string, v any) ([]byte, error) { return encodePayload(encoding, v) }

func (n *Node) DecodePayload(encoding string, data []byte, out any) error {
	return decodePayload(encoding, data, out)
}

// ErrClosed names the closed-node condition. No method in this package
// returns it; operations attempted after Close do not report an error.
var ErrClosed = errors.New("wsbus: node closed")
