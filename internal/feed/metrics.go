package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evalq_feed_subscribers",
		Help: "Live change feed subscriptions",
	})

	subscribersLagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalq_feed_lagged_total",
		Help: "Subscriptions closed because their buffer overflowed",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalq_feed_events_total",
		Help: "Change events published, by operation",
	}, []string{"op"})
)
