package serve

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/limnolab/aquifer/pkg/purge"
)

// Metrics counts serving outcomes. All methods are nil-safe.
type Metrics struct {
	requests *prometheus.CounterVec
	points   prometheus.Counter
	purged   prometheus.Counter
	duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "serve",
			Name:      "requests_total",
			Help:      "Serving requests by outcome.",
		}, []string{"outcome"}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "serve",
			Name:      "points_total",
			Help:      "Data points returned to callers.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "serve",
			Name:      "purged_entries_total",
			Help:      "Cache entries dropped by purge requests.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aquifer",
			Subsystem: "serve",
			Name:      "request_duration_seconds",
			Help:      "Time to answer a serving request.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.points, m.purged, m.duration)
	}
	return m
}

func (m *Metrics) ObserveRequest(outcome string, rows int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.points.Add(float64(rows))
	m.duration.Observe(seconds)
}

func (m *Metrics) ObservePurge(res purge.Result) {
	if m == nil {
		return
	}
	m.purged.Add(float64(res.Shards + res.Responses))
}
