package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookup_total",
		Help:      "Count of cache lookups by kind and result (hit, computed, stale, unavailable).",
	}, []string{"kind", "result"})

	cacheComputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "compute_duration_seconds",
		Help:      "Duration of aggregate recomputation.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind", "status"})
)

// Cache tracks metrics for the aggregate cache.
type Cache struct{}

// ObserveLookup counts a lookup outcome.
func (Cache) ObserveLookup(kind, result string) {
	cacheLookupTotal.WithLabelValues(kind, result).Inc()
}

// ObserveCompute records a recomputation.
func (Cache) ObserveCompute(kind string, err error, started time.Time) {
	cacheComputeDuration.WithLabelValues(kind, status(err)).Observe(time.Since(started).Seconds())
}
