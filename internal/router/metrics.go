package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// routeTotal counts Route calls.
	// Labels: kind (loop, project, program, any), outcome
	routeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Total number of routing requests by kind filter and outcome",
		},
		[]string{"kind", "outcome"},
	)

	routeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loopd",
			Subsystem: "router",
			Name:      "route_duration_seconds",
			Help:      "Duration of routing requests in seconds, embedding included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)
