package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// providerMetrics tracks per (provider, account) health and call outcomes,
// mirroring the fields internal/health.Tracker exposes at GET /providers.
type providerMetrics struct {
	health   *prometheus.GaugeVec
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func newProviderMetrics(namespace, subsystem string, registry *prometheus.Registry) *providerMetrics {
	m := &providerMetrics{
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_health",
			Help:      "Provider health state (1=healthy, 0=unhealthy/cooling down).",
		}, []string{"provider", "account"}),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_attempts_total",
			Help:      "Total upstream call attempts per candidate provider/account.",
		}, []string{"provider", "account"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Per-attempt upstream call latency in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"provider", "account"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_errors_total",
			Help:      "Total attempt failures per candidate provider/account, by classification.",
		}, []string{"provider", "account", "kind"}),
	}
	registry.MustRegister(m.health, m.attempts, m.latency, m.errors)
	return m
}

func (m *providerMetrics) updateHealth(providerName, accountID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.health.WithLabelValues(providerName, accountID).Set(v)
}

func (m *providerMetrics) recordAttempt(providerName, accountID string, duration time.Duration) {
	m.attempts.WithLabelValues(providerName, accountID).Inc()
	m.latency.WithLabelValues(providerName, accountID).Observe(duration.Seconds())
}

func (m *providerMetrics) recordError(providerName, accountID, kind string) {
	m.errors.WithLabelValues(providerName, accountID, kind).Inc()
}
