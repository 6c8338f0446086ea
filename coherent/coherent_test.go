package coherent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distcache/chorde/bus/inmem"
	"github.com/distcache/chorde/coherence"
	"github.com/distcache/chorde/store"
)

func newStore() store.Client[string, int] {
	return store.NewInproc[string, int](store.Options[string, int]{Capacity: 64})
}

func TestClient_PutCoherently_OnlyOneComputation(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	busB := net.Join("b")

	storeA := newStore()
	storeB := newStore()
	mgrA := coherence.New[string, int]("ns", busA, storeA)
	mgrB := coherence.New[string, int]("ns", busB, storeB)
	defer mgrA.Close()
	defer mgrB.Close()

	var computations int64
	compute := func() (int, error) {
		atomic.AddInt64(&computations, 1)
		time.Sleep(30 * time.Millisecond)
		return 42, nil
	}
	expired := func() bool { return true }

	clientA := New[string, int](storeA, mgrA)
	clientB := New[string, int](storeB, mgrB)

	done := make(chan error, 2)
	go func() {
		done <- clientA.PutCoherently(context.Background(), "k", time.Minute, expired, compute)
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		done <- clientB.PutCoherently(context.Background(), "k", time.Minute, expired, compute)
	}()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("PutCoherently: %v", err)
		}
	}

	if got := atomic.LoadInt64(&computations); got != 1 {
		t.Fatalf("want exactly one computation across the cluster, got %d", got)
	}
	if v, err := storeA.Get("k"); err != nil || v != 42 {
		t.Fatalf("storeA should observe the computed value, got %v, %v", v, err)
	}
}

func TestClient_PutCoherently_NonBrokerDrivesComputation(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a") // becomes broker
	busB := net.Join("b") // listener

	deadline := time.Now().Add(time.Second)
	for !busA.IsBroker() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !busA.IsBroker() || busB.IsBroker() {
		t.Fatal("node a should be broker, node b should not")
	}

	storeA := newStore()
	storeB := newStore()
	mgrA := coherence.New[string, int]("ns", busA, storeA)
	mgrB := coherence.New[string, int]("ns", busB, storeB)
	defer mgrA.Close()
	defer mgrB.Close()

	var computations int64
	compute := func() (int, error) {
		atomic.AddInt64(&computations, 1)
		return 99, nil
	}
	expired := func() bool { return true }

	clientB := New[string, int](storeB, mgrB)
	if err := clientB.PutCoherently(context.Background(), "remote-key", time.Minute, expired, compute); err != nil {
		t.Fatalf("PutCoherently from non-broker node: %v", err)
	}

	if got := atomic.LoadInt64(&computations); got != 1 {
		t.Fatalf("non-broker node should have driven exactly one computation, got %d", got)
	}
	if v, err := storeB.Get("remote-key"); err != nil || v != 99 {
		t.Fatalf("storeB should observe the computed value, got %v, %v", v, err)
	}
}

func TestClient_Delete_PropagatesAcrossCluster(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	busB := net.Join("b")

	storeA := newStore()
	storeB := newStore()
	storeA.Put("k", 1, time.Hour)
	storeB.Put("k", 1, time.Hour)

	mgrA := coherence.New[string, int]("ns", busA, storeA)
	mgrB := coherence.New[string, int]("ns", busB, storeB)
	defer mgrA.Close()
	defer mgrB.Close()

	clientA := New[string, int](storeA, mgrA)
	clientA.Delete("k")

	time.Sleep(20 * time.Millisecond)
	if _, err := storeB.Get("k"); err != store.ErrMiss {
		t.Fatalf("want ErrMiss on the peer after Delete propagated, got %v", err)
	}
}

func TestClient_QuickRefreshPut_AnnouncesCompletion(t *testing.T) {
	net := inmem.NewNetwork(time.Second)
	busA := net.Join("a")
	busB := net.Join("b")
	mgrA := coherence.New[string, int]("ns", busA, newStore())
	mgrB := coherence.New[string, int]("ns", busB, newStore())
	defer mgrA.Close()
	defer mgrB.Close()

	waited := make(chan bool, 1)
	go func() { waited <- mgrB.WaitDone("k", time.Second) }()
	time.Sleep(20 * time.Millisecond)

	client := New[string, int](newStore(), mgrA, WithQuickRefresh[string, int](true))
	client.Put("k", 7, time.Minute)

	if !<-waited {
		t.Fatal("quick-refresh Put should announce completion to peers waiting on the key")
	}
}
