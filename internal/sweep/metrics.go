package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sweepRuns counts sweeps by result (ok, error, panic).
	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of weight sweeps by result",
		},
		[]string{"result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loopd",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of weight sweeps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)
