//go:build go1.18

package store

import (
	"strings"
	"testing"
	"time"
)

// Fuzz basic Put/Get/Add/Delete semantics under arbitrary string inputs.
// Guards against panics and ensures core invariants hold.
// NOTE: we cap key/value lengths to avoid pathological memory usage during
// fuzzing (this does not weaken the invariants we check).
func FuzzStore_PutGetAddDelete(f *testing.F) {
	// Seed corpus: empty, ASCII, Unicode, long strings.
	f.Add("", "")
	f.Add("a", "1")
	f.Add("b", "2")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k, v string) {
		// Cap lengths to keep memory bounded during fuzzing.
		const limit = 1 << 12 // 4096
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		c := NewInproc[string, string](Options[string, string]{Capacity: 16})
		t.Cleanup(func() { _ = c.Close() })

		// Put -> Get must return the same value.
		c.Put(k, v, time.Minute)
		got, err := c.Get(k)
		if err != nil || got != v {
			t.Fatalf("after Put/Get: want %q, got %q err=%v", v, got, err)
		}

		// Add over a live entry must not overwrite and must return false.
		if c.Add(k, "other", time.Minute) {
			t.Fatalf("Add over live entry returned true")
		}
		// Value must remain the same after failed Add.
		if got2, err := c.Get(k); err != nil || got2 != v {
			t.Fatalf("after failed Add: want %q, got %q err=%v", v, got2, err)
		}

		// Delete must remove the key.
		c.Delete(k)
		if _, err := c.Get(k); err == nil {
			t.Fatalf("key must be absent after Delete")
		}

		// After removal, Add should succeed again.
		if !c.Add(k, v, time.Minute) {
			t.Fatalf("Add after Delete must return true")
		}
	})
}
