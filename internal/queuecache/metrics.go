package queuecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalq_cache_loads_total",
		Help: "Pending snapshot loads, by result",
	}, []string{"result"})

	resyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalq_cache_resyncs_total",
		Help: "Forced cache resynchronizations, by cause",
	}, []string{"cause"})
)

// RecordResync counts a forced reload triggered outside the feed binding.
func RecordResync(cause string) {
	resyncsTotal.WithLabelValues(cause).Inc()
}
