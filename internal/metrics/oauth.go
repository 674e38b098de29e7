package metrics

import "github.com/prometheus/client_golang/prometheus"

// oauthMetrics tracks token-refresh activity per account, surfacing
// accounts that are silently failing to refresh before an operator
// notices requests failing with auth_required.
type oauthMetrics struct {
	refreshes *prometheus.CounterVec
}

func newOAuthMetrics(namespace, subsystem string, registry *prometheus.Registry) *oauthMetrics {
	m := &oauthMetrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "oauth_refresh_total",
			Help:      "Total OAuth token refresh attempts per account, by outcome.",
		}, []string{"account", "outcome"}),
	}
	registry.MustRegister(m.refreshes)
	return m
}

func (m *oauthMetrics) recordRefresh(accountID, outcome string) {
	m.refreshes.WithLabelValues(accountID, outcome).Inc()
}
