package namespace

import (
	"testing"
	"time"

	"github.com/distcache/chorde/store"
)

func TestWrapper_Isolation(t *testing.T) {
	t.Parallel()

	backing := store.NewInproc[Key[string], int](store.Options[Key[string], int]{Capacity: 64})
	t.Cleanup(func() { _ = backing.Close() })

	a := NewWrapper[string, int]("A", backing)
	b := NewWrapper[string, int]("B", backing)

	a.Put("k", 1, time.Minute)
	b.Put("k", 2, time.Minute)

	if v, err := a.Get("k"); err != nil || v != 1 {
		t.Fatalf("namespace A want 1, got %v err=%v", v, err)
	}
	if v, err := b.Get("k"); err != nil || v != 2 {
		t.Fatalf("namespace B want 2, got %v err=%v", v, err)
	}
}

// Clear bumps the revision; old keys become unreachable through the
// wrapper even though they still physically exist in the shared client.
func TestWrapper_ClearIsRevisionBump(t *testing.T) {
	t.Parallel()

	backing := store.NewInproc[Key[string], int](store.Options[Key[string], int]{Capacity: 64})
	t.Cleanup(func() { _ = backing.Close() })

	a := NewWrapper[string, int]("A", backing)
	a.Put("k", 1, time.Minute)

	if usageBefore := backing.Usage(); usageBefore == 0 {
		t.Fatal("expected at least one entry before clear")
	}

	a.Clear()

	if _, err := a.Get("k"); err == nil {
		t.Fatal("k must be unreachable after Clear (new revision)")
	}
	// The physical entry is still present in the shared client under the
	// old revision; Clear never issued a delete for it.
	if backing.Usage() == 0 {
		t.Fatal("Clear must not physically wipe the shared client")
	}

	a.Put("k", 2, time.Minute)
	if v, err := a.Get("k"); err != nil || v != 2 {
		t.Fatalf("want 2 on the new revision, got %v err=%v", v, err)
	}
}

func TestMirrorWrapper_TracksReference(t *testing.T) {
	t.Parallel()

	backing := store.NewInproc[Key[string], int](store.Options[Key[string], int]{Capacity: 64})
	t.Cleanup(func() { _ = backing.Close() })

	ref := NewWrapper[string, int]("A", backing)
	mirror := NewMirror[string, int](ref, backing)

	ref.Put("k", 1, time.Minute)
	if v, err := mirror.Get("k"); err != nil || v != 1 {
		t.Fatalf("mirror must see reference's writes, got %v err=%v", v, err)
	}

	ref.Clear()
	if _, err := mirror.Get("k"); err == nil {
		t.Fatal("mirror must follow reference's revision bump")
	}
	if mirror.Revision() != ref.Revision() {
		t.Fatalf("mirror revision %d must equal reference revision %d", mirror.Revision(), ref.Revision())
	}
}
