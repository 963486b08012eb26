package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports cache behavior to Prometheus. A nil *Metrics is valid
// and records nothing, so tiers never have to check.
type Metrics struct {
	hits       *prometheus.CounterVec
	misses     prometheus.Counter
	promotions prometheus.Counter
	evictions  *prometheus.CounterVec
	entries    prometheus.Gauge
}

// NewMetrics builds the cache metric set and registers it when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Reads that missed every tier.",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "cache",
			Name:      "promotions_total",
			Help:      "Shared-tier hits copied into the local tier.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Local-tier evictions by reason.",
		}, []string{"reason"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aquifer",
			Subsystem: "cache",
			Name:      "local_entries",
			Help:      "Entries currently held by the local tier.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.promotions, m.evictions, m.entries)
	}
	return m
}

func (m *Metrics) Hit(tier string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(tier).Inc()
}

func (m *Metrics) Miss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *Metrics) Promotion() {
	if m == nil {
		return
	}
	m.promotions.Inc()
}

func (m *Metrics) Eviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLocalEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}
