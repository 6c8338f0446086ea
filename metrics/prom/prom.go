package prom

import (
	"github.com/distcache/chorde/coherence"
	"github.com/distcache/chorde/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements store.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	evicts   *prometheus.CounterVec
	sizeEnt  prometheus.Gauge
	sizeCost prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
		sizeCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_cost",
			Help:        "Total resident cost",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.sizeEnt, a.sizeCost)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r store.EvictReason) {
	a.evicts.WithLabelValues(reason(r)).Inc()
}

// Size updates gauges for the number of entries and total cost.
func (a *Adapter) Size(entries int, cost int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeCost.Set(float64(cost))
}

// reason maps EvictReason to a stable label value.
func reason(r store.EvictReason) string {
	switch r {
	case store.EvictTTL:
		return "ttl"
	case store.EvictCapacity:
		return "capacity"
	case store.EvictExplicit:
		return "explicit"
	default:
		return "policy"
	}
}

// Compile-time check: ensure Adapter implements store.Metrics.
var _ store.Metrics = (*Adapter)(nil)

// CoherenceAdapter implements coherence.Metrics and exports Prometheus
// counters/gauges for the pending-computation registry.
type CoherenceAdapter struct {
	queriesSent      prometheus.Counter
	oobSkips         prometheus.Counter
	brokerPromotions prometheus.Counter
	pendingSize      prometheus.Gauge
}

// NewCoherence constructs a Prometheus metrics adapter for a coherence.Manager.
func NewCoherence(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *CoherenceAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &CoherenceAdapter{
		queriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "pending_queries_total",
			Help:        "query_pending calls issued",
			ConstLabels: constLabels,
		}),
		oobSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "oob_skips_total",
			Help:        "query_pending calls that found an out-of-band update",
			ConstLabels: constLabels,
		}),
		brokerPromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "broker_promotions_total",
			Help:        "times this node became the elected broker",
			ConstLabels: constLabels,
		}),
		pendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "group_pending_size",
			Help:        "entries in the broker's pending-computation table",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.queriesSent, a.oobSkips, a.brokerPromotions, a.pendingSize)
	return a
}

func (a *CoherenceAdapter) QuerySent()       { a.queriesSent.Inc() }
func (a *CoherenceAdapter) OOBSkip()         { a.oobSkips.Inc() }
func (a *CoherenceAdapter) BrokerPromotion() { a.brokerPromotions.Inc() }
func (a *CoherenceAdapter) PendingSize(n int) { a.pendingSize.Set(float64(n)) }

// Compile-time check: ensure CoherenceAdapter implements coherence.Metrics.
var _ coherence.Metrics = (*CoherenceAdapter)(nil)
