package warmer

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports warming activity to Prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	patterns *prometheus.CounterVec
	records  prometheus.Counter
	duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "warmer",
			Name:      "runs_total",
			Help:      "Warming runs by outcome.",
		}, []string{"outcome"}),
		patterns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "warmer",
			Name:      "patterns_total",
			Help:      "Pattern warms by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aquifer",
			Subsystem: "warmer",
			Name:      "records_total",
			Help:      "Records written into the cache by warming runs.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aquifer",
			Subsystem: "warmer",
			Name:      "run_duration_seconds",
			Help:      "Wall time of full warming runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.patterns, m.records, m.duration)
	}
	return m
}

func (m *Metrics) ObserveRun(r *RunResult) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case r.Canceled:
		outcome = "canceled"
	case r.Failed > 0 && r.Succeeded == 0 && len(r.Patterns) > 0:
		outcome = "failed"
	case r.Failed > 0:
		outcome = "partial"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.records.Add(float64(r.Records))
	m.duration.Observe(float64(r.DurationMS) / 1000)
}

func (m *Metrics) ObservePattern(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.patterns.WithLabelValues("ok").Inc()
	} else {
		m.patterns.WithLabelValues("failed").Inc()
	}
}
