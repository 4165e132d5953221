package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "evalq_outbox_deliveries_total",
	Help: "Notification delivery attempts, by result",
}, []string{"result"})
