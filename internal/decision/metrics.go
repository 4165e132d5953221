package decision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalq_decisions_total",
		Help: "Decide calls by outcome (committed, validation, not_found, conflict, transient)",
	}, []string{"outcome"})

	decisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evalq_decision_duration_seconds",
		Help:    "Latency of Decide from validation to return",
		Buckets: prometheus.DefBuckets,
	})

	sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalq_side_effect_failures_total",
		Help: "Audit or notification failures after a committed decision",
	}, []string{"effect"})

	verifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalq_verify_retries_total",
		Help: "Transient verify-read failures that were retried",
	})
)
