// Command demo runs two in-memory-bus nodes side by side and shows the
// coherence protocol collapsing a concurrent computation race into a
// single winner, then propagating a deletion across both nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distcache/chorde/bus/inmem"
	"github.com/distcache/chorde/coherence"
	"github.com/distcache/chorde/coherent"
	"github.com/distcache/chorde/store"
)

func main() {
	heartbeat := flag.Duration("heartbeat", time.Second, "simulated bus heartbeat timeout")
	flag.Parse()

	net := inmem.NewNetwork(*heartbeat)
	busA := net.Join("node-a")
	busB := net.Join("node-b")

	storeA := store.NewInproc[string, string](store.Options[string, string]{Capacity: 1024})
	storeB := store.NewInproc[string, string](store.Options[string, string]{Capacity: 1024})
	defer func() { _ = storeA.Close() }()
	defer func() { _ = storeB.Close() }()

	mgrA := coherence.New[string, string]("demo", busA, storeA)
	mgrB := coherence.New[string, string]("demo", busB, storeB)
	defer mgrA.Close()
	defer mgrB.Close()

	clientA := coherent.New[string, string](storeA, mgrA)
	clientB := coherent.New[string, string](storeB, mgrB)

	var computations int64
	compute := func() (string, error) {
		atomic.AddInt64(&computations, 1)
		log.Printf("computing expensive value...")
		time.Sleep(50 * time.Millisecond)
		return "computed-value", nil
	}
	expired := func() bool { return true }

	log.Printf("two nodes racing to compute the same key")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := clientA.PutCoherently(context.Background(), "shared-key", time.Minute, expired, compute); err != nil {
			log.Printf("node-a PutCoherently: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		if err := clientB.PutCoherently(context.Background(), "shared-key", time.Minute, expired, compute); err != nil {
			log.Printf("node-b PutCoherently: %v", err)
		}
	}()
	wg.Wait()

	fmt.Printf("computations performed: %d (want 1)\n", atomic.LoadInt64(&computations))

	valA, errA := storeA.Get("shared-key")
	valB, errB := storeB.Get("shared-key")
	fmt.Printf("node-a sees: %q (err=%v)\n", valA, errA)
	fmt.Printf("node-b sees: %q (err=%v)\n", valB, errB)

	log.Printf("deleting shared-key from node-a, expecting it to vanish from node-b too")
	clientA.Delete("shared-key")
	time.Sleep(20 * time.Millisecond)

	_, errA = storeA.Get("shared-key")
	_, errB = storeB.Get("shared-key")
	fmt.Printf("node-a after delete: err=%v\n", errA)
	fmt.Printf("node-b after delete: err=%v\n", errB)
}
