package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwatch_fanout_deliveries_total",
		Help: "Fan-out delivery attempts by kind and result",
	}, []string{"kind", "result"})

	translations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwatch_fanout_translations_total",
		Help: "Translation attempts during fan-out",
	}, []string{"result"})
)
