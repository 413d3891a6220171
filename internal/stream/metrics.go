package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	events = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwatch_stream_events_total",
		Help: "Stream events received",
	})
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwatch_stream_errors_total",
		Help: "Stream connection or handler failures",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwatch_stream_manual_reconnects_total",
		Help: "Manual stream reconnects",
	})
	resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwatch_stream_resyncs_total",
		Help: "Delayed full resyncs triggered by stream hooks",
	})
	ruleGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedwatch_stream_rules",
		Help: "Stream rules currently owned",
	})
)
