// Package bus defines the external publish/subscribe contract the
// coherence protocol is built on (spec §6): the core never implements a
// transport itself, it only consumes this interface. bus/inmem and
// bus/wsbus are two concrete implementations.
package bus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// Event is one of the four bus-level occurrences the coherence manager
// reacts to.
type Event int

const (
	// IncomingUpdate fires when a message arrives on a subscribed prefix.
	IncomingUpdate Event = iota
	// UpdateAcknowledged fires when a previously published acknowledged
	// message receives its reply.
	UpdateAcknowledged
	// EnterBroker fires on this node when it becomes the elected broker.
	EnterBroker
	// LeaveBroker fires on this node when it stops being the broker.
	LeaveBroker
)

func (e Event) String() string {
	switch e {
	case IncomingUpdate:
		return "INCOMING_UPDATE"
	case UpdateAcknowledged:
		return "UPDATE_ACKNOWLEDGED"
	case EnterBroker:
		return "ENTER_BROKER"
	case LeaveBroker:
		return "LEAVE_BROKER"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Message is one inbound delivery on a subscription.
type Message struct {
	Prefix   string
	Payload  []byte
	Encoding string // set by the publisher's PublishEncode or by ListenDecode; empty otherwise
	From     string // publisher identity, when known
}

// BrokerReply, returned from a handler, instructs the broker to send
// Payload back to the originating listener as an acknowledged reply
// (spec §6 "BrokerReply(payload)").
type BrokerReply struct {
	Payload []byte
}

// HandlerResult is a subscription handler's verdict: whether to keep the
// subscription alive, and an optional broker reply to send back.
type HandlerResult struct {
	// Continue, if false, auto-unsubscribes this handler.
	Continue bool
	// Reply, if non-nil, is sent back to the publisher as an acknowledged
	// reply (only meaningful when this node is broker).
	Reply *BrokerReply
}

// Keep is shorthand for a HandlerResult that stays subscribed with no
// reply.
func Keep() HandlerResult { return HandlerResult{Continue: true} }

// Unsubscribe is shorthand for a HandlerResult that auto-unsubscribes.
func Unsubscribe() HandlerResult { return HandlerResult{Continue: false} }

// ReplyWith is shorthand for a HandlerResult that stays subscribed and
// replies with payload.
func ReplyWith(payload []byte) HandlerResult {
	return HandlerResult{Continue: true, Reply: &BrokerReply{Payload: payload}}
}

// Handler processes one delivered Message.
type Handler func(Message) HandlerResult

// Token identifies a live subscription, returned by Listen/ListenDecode and
// consumed by Unlisten.
type Token uint64

// Bus is the contract the coherence manager consumes. Implementations must
// serialize delivery per subscription (deliveries on one subscription are
// FIFO by source) but need not serialize across subscriptions (spec §5).
type Bus interface {
	// Publish sends payload fire-and-forget on prefix.
	Publish(prefix string, payload []byte) error

	// PublishEncode encodes value with the named encoding and publishes it
	// on prefix.
	PublishEncode(prefix string, encoding string, value any) error

	// PublishAck sends payload on prefix and blocks until a BrokerReply
	// arrives or timeout elapses, returning the reply payload. A zero
	// timeout means unbounded. Used by query_pending's pendq round trip.
	PublishAck(prefix string, payload []byte, timeout time.Duration) ([]byte, bool, error)

	// Listen subscribes handler to deliveries of kind event on prefix.
	Listen(prefix string, event Event, handler Handler) Token

	// ListenDecode is Listen, but every delivered Message carries encoding
	// in Message.Encoding. The payload is not decoded: Message.Payload
	// stays raw bytes and the handler decodes it via DecodePayload.
	ListenDecode(prefix string, event Event, encoding string, handler Handler) Token

	// Unlisten removes a subscription created by Listen/ListenDecode.
	Unlisten(prefix string, event Event, token Token)

	// IsBroker reports whether this node currently holds the broker role.
	IsBroker() bool

	// Identity returns this node's contact string (spec "contact list").
	Identity() string

	// HeartbeatPushTimeout is the bus's own liveness timeout, used by the
	// coherence manager to size its query_pending retry budget.
	HeartbeatPushTimeout() time.Duration

	// EncodePayload serializes v with the named encoding.
	EncodePayload(encoding string, v any) ([]byte, error)
	// DecodePayload deserializes data (encoded with encoding) into out (a
	// pointer).
	DecodePayload(encoding string, data []byte, out any) error
}

// GobEncoding is the default payload encoding tag, analogous to the
// original "pyobj" self-describing object serialization: encoding/gob
// round-trips arbitrary registered Go values without a schema.
const GobEncoding = "gob"

// EncodeGob is the GobEncoding implementation of Bus.EncodePayload, shared
// by every concrete Bus so they agree on the wire format.
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("bus: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGob is the GobEncoding implementation of Bus.DecodePayload.
func DecodeGob(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("bus: gob decode: %w", err)
	}
	return nil
}
