package inmem

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/distcache/chorde/bus"
)

func TestNetwork_PublishDeliversToListener(t *testing.T) {
	t.Parallel()
	net := NewNetwork(time.Second)
	a := net.Join("a")
	b := net.Join("b")

	received := make(chan bus.Message, 1)
	a.Listen("topic", bus.IncomingUpdate, func(m bus.Message) bus.HandlerResult {
		received <- m
		return bus.Keep()
	})

	if err := b.Publish("topic", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-received:
		if string(m.Payload) != "hello" || m.From != "b" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestNetwork_FirstJoinerIsBroker(t *testing.T) {
	t.Parallel()
	net := NewNetwork(time.Second)
	a := net.Join("a")
	waitUntil(t, a.IsBroker)

	b := net.Join("b")
	if b.IsBroker() {
		t.Fatal("second joiner must not be broker")
	}
}

func TestNetwork_BrokerFailoverOnLeave(t *testing.T) {
	t.Parallel()
	net := NewNetwork(time.Second)
	a := net.Join("a")
	waitUntil(t, a.IsBroker)
	b := net.Join("b")

	var gotLeave, gotEnter int32
	a.Listen("", bus.LeaveBroker, func(bus.Message) bus.HandlerResult {
		atomic.StoreInt32(&gotLeave, 1)
		return bus.Keep()
	})
	b.Listen("", bus.EnterBroker, func(bus.Message) bus.HandlerResult {
		atomic.StoreInt32(&gotEnter, 1)
		return bus.Keep()
	})

	net.Leave(a)

	waitUntil(t, b.IsBroker)
	waitUntil(t, func() bool { return atomic.LoadInt32(&gotLeave) == 1 })
	waitUntil(t, func() bool { return atomic.LoadInt32(&gotEnter) == 1 })
}

func TestNetwork_PublishAckReturnsBrokerReply(t *testing.T) {
	t.Parallel()
	net := NewNetwork(time.Second)
	broker := net.Join("broker")
	listener := net.Join("listener")
	waitUntil(t, broker.IsBroker)

	broker.Listen("pendq", bus.IncomingUpdate, func(m bus.Message) bus.HandlerResult {
		return bus.ReplyWith([]byte("ack:" + string(m.Payload)))
	})

	reply, ok, err := listener.PublishAck("pendq", []byte("k"), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PublishAck: %v", err)
	}
	if !ok || string(reply) != "ack:k" {
		t.Fatalf("want ack:k, got %q ok=%v", reply, ok)
	}
}

func TestNetwork_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	net := NewNetwork(time.Second)
	a := net.Join("a")
	b := net.Join("b")

	var hits int32
	tok := a.Listen("topic", bus.IncomingUpdate, func(bus.Message) bus.HandlerResult {
		atomic.AddInt32(&hits, 1)
		return bus.Keep()
	})
	a.Unlisten("topic", bus.IncomingUpdate, tok)

	_ = b.Publish("topic", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("handler must not fire after Unlisten")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
