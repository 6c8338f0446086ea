package prom

import (
	"testing"

	"github.com/distcache/chorde/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAdapter_CountsHitsMissesEvictions(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "chorde", "store_test", nil)

	a.Hit()
	a.Hit()
	a.Miss()
	a.Evict(store.EvictTTL)
	a.Size(3, 128)

	if got := testutil.ToFloat64(a.hits); got != 2 {
		t.Fatalf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.misses); got != 1 {
		t.Fatalf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.sizeEnt); got != 3 {
		t.Fatalf("size entries = %v, want 3", got)
	}
}

func TestCoherenceAdapter_CountsQueriesAndPromotions(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewCoherence(reg, "chorde", "coherence_test", nil)

	a.QuerySent()
	a.QuerySent()
	a.OOBSkip()
	a.BrokerPromotion()
	a.PendingSize(5)

	if got := testutil.ToFloat64(a.queriesSent); got != 2 {
		t.Fatalf("queries sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.pendingSize); got != 5 {
		t.Fatalf("pending size = %v, want 5", got)
	}
}
