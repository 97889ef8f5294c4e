package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	decisionLabels = []string{"category", "tier"}

	// Store round-trip buckets in milliseconds.
	storeLatencyBuckets = []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

	// RequestTotal counts every admission decision taken.
	RequestTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncgate_requests_total",
			Help: "Total number of admission decisions",
		},
		append(decisionLabels, "decision"),
	)

	// DeniedTotal counts quota denials. Expected traffic, not errors.
	DeniedTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncgate_denied_total",
			Help: "Requests denied because the quota was exhausted",
		},
		decisionLabels,
	)

	// StoreUnavailableTotal counts fallback decisions taken because the
	// counter store could not be reached. This is what separates "tenant
	// exceeded quota" from "enforcement infrastructure degraded".
	StoreUnavailableTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncgate_store_unavailable_total",
			Help: "Admission decisions taken under the store fallback policy",
		},
		[]string{"fallback"},
	)

	// ConfigFallbackTotal counts quota lookups that degraded to a default
	// because the tier or category had no configured limit.
	ConfigFallbackTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncgate_config_fallback_total",
			Help: "Quota lookups that fell back to a conservative default",
		},
		decisionLabels,
	)

	StoreLatency = promauto.With(registerer).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncgate_store_latency_ms",
			Help:    "Counter store round-trip latency in milliseconds",
			Buckets: storeLatencyBuckets,
		},
	)
)

func Initialize() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}

// Handler serves the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
