package coherence

import (
	"testing"
	"time"

	"github.com/distcache/chorde/bus/inmem"
	"github.com/distcache/chorde/store"
)

func TestStableHash_ReturnsComputedValue(t *testing.T) {
	if StableHash("a") == StableHash("b") {
		t.Fatal("distinct strings should not collide trivially")
	}
	if StableHash("same") != StableHash("same") {
		t.Fatal("StableHash must be stable across calls")
	}
	if StableHash(7) != 7 {
		t.Fatalf("int keys should hash to themselves, got %d", StableHash(7))
	}
}

func newPrivate() store.Client[string, string] {
	return store.NewInproc[string, string](store.Options[string, string]{Capacity: 64})
}

func TestFireDeletion_PropagatesAcrossNodes(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	busB := net.Join("b")

	cacheA := newPrivate()
	cacheB := newPrivate()
	cacheA.Put("k", "v", time.Hour)
	cacheB.Put("k", "v", time.Hour)

	mgrA := New[string, string]("ns", busA, cacheA)
	mgrB := New[string, string]("ns", busB, cacheB)
	defer mgrA.Close()
	defer mgrB.Close()

	w := mgrA.FireDeletion("k")
	w.Wait(0)

	time.Sleep(20 * time.Millisecond)
	if _, err := cacheB.Get("k"); err != store.ErrMiss {
		t.Fatalf("want ErrMiss after deletion propagated, got %v", err)
	}
}

func TestQueryPending_SecondCallerSeesBusy(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	busB := net.Join("b")

	mgrA := New[string, string]("ns", busA, newPrivate())
	mgrB := New[string, string]("ns", busB, newPrivate())
	defer mgrA.Close()
	defer mgrB.Close()

	expired := func() bool { return true }

	out := mgrA.QueryPending("key1", expired, time.Second, true)
	if out.Decision != DecisionAcquired {
		t.Fatalf("first query should acquire, got %v", out.Decision)
	}

	out2 := mgrB.QueryPending("key1", expired, time.Second, true)
	if out2.Decision != DecisionBusy {
		t.Fatalf("second query should see busy, got %v", out2.Decision)
	}

	mgrA.MarkDone("key1")
	time.Sleep(20 * time.Millisecond)

	out3 := mgrB.QueryPending("key1", expired, time.Second, true)
	if out3.Decision != DecisionAcquired {
		t.Fatalf("query after MarkDone should acquire, got %v", out3.Decision)
	}
}

func TestQueryPending_NotExpiredIsOOB(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	mgrA := New[string, string]("ns", busA, newPrivate())
	defer mgrA.Close()

	out := mgrA.QueryPending("fresh", func() bool { return false }, time.Second, true)
	if out.Decision != DecisionOOBUpdate {
		t.Fatalf("want OOB decision for non-expired key, got %v", out.Decision)
	}
}

func TestQueryPending_ListenerAcquiresThroughBroker(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a") // becomes broker
	busB := net.Join("b") // listener, no local pending state of its own

	mgrA := New[string, string]("ns", busA, newPrivate())
	mgrB := New[string, string]("ns", busB, newPrivate())
	defer mgrA.Close()
	defer mgrB.Close()

	deadline := time.Now().Add(time.Second)
	for !busA.IsBroker() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !busA.IsBroker() || busB.IsBroker() {
		t.Fatal("node a should be broker, node b should not")
	}

	expired := func() bool { return true }

	out := mgrB.QueryPending("remote-key", expired, time.Second, true)
	if out.Decision != DecisionAcquired {
		t.Fatalf("listener querying an untouched key should acquire it, got %v", out.Decision)
	}

	out2 := mgrA.QueryPending("remote-key", expired, time.Second, true)
	if out2.Decision != DecisionBusy {
		t.Fatalf("broker's own query after listener acquired should see busy, got %v", out2.Decision)
	}
}

func TestBrokerPromotion_SoleNodeAcquiresLocally(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	mgrA := New[string, string]("ns", busA, newPrivate())
	defer mgrA.Close()

	deadline := time.Now().Add(time.Second)
	for !busA.IsBroker() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !busA.IsBroker() {
		t.Fatal("sole node should become broker")
	}

	out := mgrA.QueryPending("k", func() bool { return true }, time.Second, true)
	if out.Decision != DecisionAcquired {
		t.Fatalf("broker-local query should acquire, got %v", out.Decision)
	}
}
