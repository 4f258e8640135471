package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collecte_entries_submitted_total",
		Help: "Final entries accepted or idempotently re-accepted, by resource kind.",
	}, []string{"kind"})

	completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collecte_completions_total",
		Help: "Resources that transitioned into complete, by resource kind.",
	}, []string{"kind"})

	entryConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collecte_entry_conflicts_total",
		Help: "Rejected attempts to change an already-final entry.",
	})
)
