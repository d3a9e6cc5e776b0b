package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_total",
		Help:      "Count of API requests by route and status code.",
	}, []string{"route", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// HTTP tracks metrics for the API server.
type HTTP struct{}

// ObserveRequest records a served request.
func (HTTP) ObserveRequest(route string, code int, started time.Time) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}
