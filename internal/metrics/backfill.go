package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backfillHeightTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "height_total",
		Help:      "Count of scanned block heights.",
	}, []string{"status"})

	backfillHeightDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "height_duration_seconds",
		Help:      "Duration of scanning a single height.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	backfillCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a monitor or backfill run.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"status"})

	backfillCycleSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "cycle_heights",
		Help:      "Number of heights requested per run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	backfillCheckpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "checkpoint_height",
		Help:      "Highest height below which every block has been scanned.",
	})

	classifiedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "demurrage",
		Name:      "events_total",
		Help:      "Count of classified demurrage events.",
	}, []string{"direction", "confidence"})

	classificationErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "demurrage",
		Name:      "classification_errors_total",
		Help:      "Count of transactions rejected as malformed.",
	})
)

// Backfill tracks metrics for the block scanner.
type Backfill struct{}

// ObserveHeight records the outcome of scanning one height.
func (Backfill) ObserveHeight(err error, started time.Time) {
	s := status(err)
	backfillHeightTotal.WithLabelValues(s).Inc()
	backfillHeightDuration.WithLabelValues(s).Observe(time.Since(started).Seconds())
}

// ObserveCycle records a complete run over a range of heights.
func (Backfill) ObserveCycle(err error, heights int, started time.Time) {
	backfillCycleDuration.WithLabelValues(status(err)).Observe(time.Since(started).Seconds())
	backfillCycleSize.Observe(float64(heights))
}

// SetCheckpoint records the contiguous scan checkpoint.
func (Backfill) SetCheckpoint(height uint64) {
	backfillCheckpoint.Set(float64(height))
}

// Event counts a classified event.
func (Backfill) Event(direction, confidence string) {
	classifiedEventsTotal.WithLabelValues(direction, confidence).Inc()
}

// ClassificationError counts a malformed transaction.
func (Backfill) ClassificationError() {
	classificationErrorsTotal.Inc()
}
