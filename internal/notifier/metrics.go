package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alerts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedwatch_alerts_total",
	Help: "Operator alerts by outcome",
}, []string{"outcome"})
