package syncutil

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/distcache/chorde/store"
)

func TestRWAdapter_BasicPutGetDelete(t *testing.T) {
	t.Parallel()
	a := NewRW[string, int](store.NewBasic[string, int](store.Options[string, int]{Capacity: 8}))
	t.Cleanup(func() { _ = a.Close() })

	a.Put("k", 1, time.Minute)
	if v, err := a.Get("k"); err != nil || v != 1 {
		t.Fatalf("want 1, got %v err=%v", v, err)
	}
	a.Delete("k")
	if _, err := a.Get("k"); err == nil {
		t.Fatal("k must be absent after Delete")
	}
}

func TestSerializeAdapter_BasicPutGetDelete(t *testing.T) {
	t.Parallel()
	a := NewSerialize[string, int](store.NewBasic[string, int](store.Options[string, int]{Capacity: 8}))
	t.Cleanup(func() { _ = a.Close() })

	a.Put("k", 1, time.Minute)
	if v, err := a.Get("k"); err != nil || v != 1 {
		t.Fatalf("want 1, got %v err=%v", v, err)
	}
	a.Delete("k")
	if _, err := a.Get("k"); err == nil {
		t.Fatal("k must be absent after Delete")
	}
}

// The wrapped store has NO internal locking; correctness here proves the
// adapter's own lock is sufficient to make a concurrent mixed workload
// race-free (run this file under `go test -race`).
func TestRWAdapter_Race(t *testing.T) {
	a := NewRW[int, int](store.NewBasic[int, int](store.Options[int, int]{Capacity: 512}))
	t.Cleanup(func() { _ = a.Close() })

	workers := 4 * runtime.GOMAXPROCS(0)
	deadline := time.Now().Add(200 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			i := 0
			for time.Now().Before(deadline) {
				k := (id*1000 + i) % 256
				if i%3 == 0 {
					a.Put(k, i, time.Minute)
				} else {
					a.Get(k)
				}
				i++
			}
		}(w)
	}
	wg.Wait()
}

func TestSerializeAdapter_Race(t *testing.T) {
	a := NewSerialize[int, int](store.NewBasic[int, int](store.Options[int, int]{Capacity: 512}))
	t.Cleanup(func() { _ = a.Close() })

	workers := 4 * runtime.GOMAXPROCS(0)
	deadline := time.Now().Add(200 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			i := 0
			for time.Now().Before(deadline) {
				k := (id*1000 + i) % 256
				if i%3 == 0 {
					a.Put(k, i, time.Minute)
				} else {
					a.Get(k)
				}
				i++
			}
		}(w)
	}
	wg.Wait()
}
