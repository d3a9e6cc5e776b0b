package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chainCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "call_total",
		Help:      "Count of upstream chain calls by provider, operation and outcome.",
	}, []string{"provider", "op", "status"})

	chainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "call_duration_seconds",
		Help:      "Duration of upstream chain calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "op", "status"})

	chainProviderHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "provider_healthy",
		Help:      "1 when the provider is considered healthy.",
	}, []string{"provider"})

	chainProviderHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "provider_height",
		Help:      "Last height reported by the provider health probe.",
	}, []string{"provider"})
)

// Chain tracks metrics for upstream chain providers.
type Chain struct{}

// ObserveCall records a single provider attempt.
func (Chain) ObserveCall(provider, op string, err error, started time.Time) {
	s := status(err)
	chainCallTotal.WithLabelValues(provider, op, s).Inc()
	chainCallDuration.WithLabelValues(provider, op, s).Observe(time.Since(started).Seconds())
}

// SetHealth records the provider health state and height.
func (Chain) SetHealth(provider string, healthy bool, height uint64) {
	v := 0.0
	if healthy {
		v = 1
	}
	chainProviderHealthy.WithLabelValues(provider).Set(v)
	if height > 0 {
		chainProviderHeight.WithLabelValues(provider).Set(float64(height))
	}
}
