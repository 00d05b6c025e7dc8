package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts applied status changes.
	// Labels: from (none for creation), to
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of applied loop status transitions",
		},
		[]string{"from", "to"},
	)

	transitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "lifecycle",
			Name:      "transitions_rejected_total",
			Help:      "Total number of rejected loop status transitions",
		},
		[]string{"from", "to"},
	)

	// promotionsTotal counts promotion attempts.
	// Labels: result (promoted, threshold_not_met, invalid_transition, error)
	promotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "lifecycle",
			Name:      "promotions_total",
			Help:      "Total number of promotion attempts by result",
		},
		[]string{"result"},
	)

	archivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "lifecycle",
			Name:      "archived_total",
			Help:      "Total number of loops moved to the archive tier",
		},
	)

	// indexFailures counts vector index writes that were logged and skipped.
	// Labels: op (upsert, delete)
	indexFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "lifecycle",
			Name:      "index_failures_total",
			Help:      "Total number of vector index writes that failed",
		},
		[]string{"op"},
	)
)
