// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway reports. A nil *Metrics is
// safe to call, so tests can skip registration.
type Metrics struct {
	// DispatchAttempts counts individual account attempts by classified
	// outcome.
	DispatchAttempts *prometheus.CounterVec
	// DispatchRequests counts whole dispatches by final result.
	DispatchRequests *prometheus.CounterVec
	// UpstreamLatency observes wall-clock seconds per upstream attempt.
	UpstreamLatency prometheus.Histogram
	// PoolAccounts gauges account counts by status.
	PoolAccounts *prometheus.GaugeVec
}

// New registers the gateway collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warp_gateway_dispatch_attempts_total",
			Help: "Upstream account attempts by classified outcome.",
		}, []string{"outcome"}),
		DispatchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warp_gateway_dispatch_requests_total",
			Help: "Dispatch requests by final result.",
		}, []string{"result"}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warp_gateway_upstream_latency_seconds",
			Help:    "Latency of upstream send attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		PoolAccounts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warp_gateway_pool_accounts",
			Help: "Accounts in the pool by status.",
		}, []string{"status"}),
	}
}

// ObserveAttempt records one account attempt.
func (m *Metrics) ObserveAttempt(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(outcome).Inc()
	m.UpstreamLatency.Observe(seconds)
}

// ObserveRequest records the final result of one dispatch.
func (m *Metrics) ObserveRequest(result string) {
	if m == nil {
		return
	}
	m.DispatchRequests.WithLabelValues(result).Inc()
}

// SetPoolGauge updates the per-status account gauge.
func (m *Metrics) SetPoolGauge(status string, count int) {
	if m == nil {
		return
	}
	m.PoolAccounts.WithLabelValues(status).Set(float64(count))
}
