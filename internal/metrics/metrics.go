// Package metrics exposes the relay's prometheus counters/gauges/histogram
// at GET /metrics (grounded on EternisAI-enchanted-proxy's use of
// github.com/prometheus/client_golang, there as a query client, here as
// the registration/exposition side of the same library).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Relayed requests by dialect and outcome.",
	}, []string{"dialect", "outcome"})

	IdentitiesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_identities_available",
		Help: "Identities currently schedulable and off cooldown.",
	})

	IdentitiesOnCooldown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_identities_on_cooldown",
		Help: "Identities currently on cooldown, by reason.",
	}, []string{"reason"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_upstream_latency_seconds",
		Help:    "Upstream dispatch latency by dialect.",
		Buckets: prometheus.DefBuckets,
	}, []string{"dialect"})
)

// ObserveLatency records one upstream dispatch's duration.
func ObserveLatency(dialect string, d time.Duration) {
	UpstreamLatency.WithLabelValues(dialect).Observe(d.Seconds())
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
