// Package metrics exposes registration stage metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "histalign_stage_duration_seconds",
			Help:    "Duration of registration stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage", "outcome"},
	)

	slidesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histalign_slides_skipped_total",
			Help: "Slides excluded from a stage after a contained failure",
		},
		[]string{"stage"},
	)

	deviceFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histalign_device_fallbacks_total",
			Help: "Accelerated units that succeeded only after a cpu retry",
		},
		[]string{"stage"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histalign_runs_total",
			Help: "Registration runs by final status",
		},
		[]string{"status"},
	)
)

// Observer records engine stage events. The zero value is ready to use.
type Observer struct{}

func (Observer) StageStarted(runID, stage string) {}

func (Observer) StageFinished(runID, stage string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stageDuration.WithLabelValues(stage, outcome).Observe(seconds)
}

func (Observer) SlideSkipped(runID, stage, slideID, reason string) {
	slidesSkipped.WithLabelValues(stage).Inc()
}

func (Observer) DeviceFallback(runID, stage, slideID string) {
	deviceFallbacks.WithLabelValues(stage).Inc()
}

// RunFinished counts a completed, failed or cancelled run.
func RunFinished(status string) {
	runsTotal.WithLabelValues(status).Inc()
}
