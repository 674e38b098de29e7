// Package metrics registers and records the Prometheus metrics exposed at
// GET /metrics: request outcomes, per-provider health/error counts,
// deduplication hit rate, and OAuth refresh activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultDurationBuckets is sized for LLM request latencies, most of which
// land well under a minute but a long tool-use turn can run much longer.
var defaultDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Collector owns the Prometheus registry and every metric subsystem
// registered against it.
type Collector struct {
	registry *prometheus.Registry

	requests *requestMetrics
	provider *providerMetrics
	oauth    *oauthMetrics
}

// NewCollector builds a Collector with namespace/subsystem-prefixed metric
// names, registering every metric against a fresh registry.
func NewCollector(namespace, subsystem string) *Collector {
	registry := prometheus.NewRegistry()
	return &Collector{
		registry: registry,
		requests: newRequestMetrics(namespace, subsystem, registry),
		provider: newProviderMetrics(namespace, subsystem, registry),
		oauth:    newOAuthMetrics(namespace, subsystem, registry),
	}
}

// Registry returns the underlying Prometheus registry, for tests that want
// to scrape it directly instead of going through Handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the GET /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRequest accounts one completed dispatch: outcome is one of
// "success", "retryable_failover", "all_providers_failed", "auth_required",
// "no_route", or "deduplication_timeout".
func (c *Collector) RecordRequest(route, outcome string, duration time.Duration) {
	c.requests.record(route, outcome, duration)
}

// RecordDedupOutcome accounts whether a request joined an in-flight
// broadcaster (hit) or became its own leader (miss).
func (c *Collector) RecordDedupOutcome(hit bool) {
	c.requests.recordDedup(hit)
}

// UpdateProviderHealth sets a provider/account's health gauge.
func (c *Collector) UpdateProviderHealth(providerName, accountID string, healthy bool) {
	c.provider.updateHealth(providerName, accountID, healthy)
}

// RecordProviderAttempt accounts one upstream call attempt against a
// candidate, regardless of outcome.
func (c *Collector) RecordProviderAttempt(providerName, accountID string, duration time.Duration) {
	c.provider.recordAttempt(providerName, accountID, duration)
}

// RecordProviderError accounts a health-counting failure against a
// provider/account, by outcome kind ("retryable" or "non_retryable").
func (c *Collector) RecordProviderError(providerName, accountID, kind string) {
	c.provider.recordError(providerName, accountID, kind)
}

// RecordOAuthRefresh accounts one token-refresh attempt for an account,
// outcome is "success" or "failure".
func (c *Collector) RecordOAuthRefresh(accountID, outcome string) {
	c.oauth.recordRefresh(accountID, outcome)
}
