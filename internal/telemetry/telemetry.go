// Package telemetry holds the service's prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastescout_searches_started_total",
		Help: "Pipeline runs started, by kind (search or refine).",
	}, []string{"kind"})

	SearchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastescout_searches_finished_total",
		Help: "Pipeline runs finished, by terminal state.",
	}, []string{"state"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tastescout_phase_duration_seconds",
		Help:    "Wall time spent per search phase.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	PhaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastescout_phase_errors_total",
		Help: "Phases that ended in an error, by phase.",
	}, []string{"phase"})

	CandidatesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastescout_candidates_found_total",
		Help: "New candidates discovered, by phase.",
	}, []string{"phase"})

	CollaboratorRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tastescout_collaborator_retries_total",
		Help: "Transient collaborator failures retried with backoff.",
	})

	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastescout_session_cache_reads_total",
		Help: "Session context reads, by tier outcome (fast_hit, warm, miss).",
	}, []string{"outcome"})

	DurableWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tastescout_durable_write_retries_total",
		Help: "Durable-tier turn writes retried out of band.",
	})

	TierDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastescout_session_tier_degraded_total",
		Help: "Times a session tier was found unreachable, by tier.",
	}, []string{"tier"})
)
