package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// requestMetrics tracks overall dispatch outcomes and deduplication hit
// rate, independent of which provider ultimately served the request.
type requestMetrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	dedup    *prometheus.CounterVec
}

func newRequestMetrics(namespace, subsystem string, registry *prometheus.Registry) *requestMetrics {
	m := &requestMetrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total dispatched requests by route and terminal outcome.",
		}, []string{"route", "outcome"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "End-to-end dispatch duration in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"route", "outcome"}),

		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deduplication_total",
			Help:      "Requests joining the deduplication table, by hit (joined an in-flight leader) or miss (became leader).",
		}, []string{"result"}),
	}
	registry.MustRegister(m.total, m.duration, m.dedup)
	return m
}

func (m *requestMetrics) record(route, outcome string, duration time.Duration) {
	m.total.WithLabelValues(route, outcome).Inc()
	m.duration.WithLabelValues(route, outcome).Observe(duration.Seconds())
}

func (m *requestMetrics) recordDedup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.dedup.WithLabelValues(result).Inc()
}
