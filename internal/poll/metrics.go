package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwatch_poll_ticks_total",
		Help: "Poll ticks by result",
	}, []string{"result"})

	tickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedwatch_poll_tick_seconds",
		Help:    "Duration of successful poll ticks",
		Buckets: prometheus.DefBuckets,
	})
)
