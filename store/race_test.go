package store

import (
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// A mixed workload of concurrent Put/Get/Add/Delete/Expire on random keys.
// Should pass under `-race` without detector reports.
func TestRace_Basic(t *testing.T) {
	c := NewInproc[string, []byte](Options[string, []byte]{
		Capacity: 8_192,
		Shards:   32,
	})
	t.Cleanup(func() { _ = c.Close() })

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 50_000
	deadline := time.Now().Add(2 * time.Second)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		id := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% — Delete
					c.Delete(k)
				case 5, 6, 7, 8, 9: // ~5% — Expire
					c.Expire(k)
				case 10, 11, 12, 13, 14: // ~5% — Add
					c.Add(k, []byte("x"), time.Duration(10+r.Intn(20))*time.Millisecond)
				case 15, 16, 17, 18, 19: // ~5% — Put with short TTL
					c.Put(k, []byte("x"), time.Duration(10+r.Intn(20))*time.Millisecond)
				default: // ~80% — Get
					c.Get(k)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// Many goroutines race Add on the same key; exactly one must observe the
// key as absent/stale and win, every other Add must see a live entry.
func TestRace_AddSingleWinner(t *testing.T) {
	const goroutines = 100
	key := "same-key"

	c := NewInproc[string, int](Options[string, int]{Capacity: 1024})
	t.Cleanup(func() { _ = c.Close() })

	var wins int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		i := i
		go func() {
			defer wg.Done()
			<-start
			if c.Add(key, i, time.Minute) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one Add must win on a never-before-seen key, got %d", wins)
	}
	if _, err := c.Get(key); err != nil {
		t.Fatalf("winner's value must be retrievable: %v", err)
	}
}
