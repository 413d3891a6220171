package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var conversions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedwatch_post_conversions_total",
	Help: "Post conversions by path (full rebuild or volatile refresh)",
}, []string{"path"})

var forcedMinor = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedwatch_post_forced_minor_total",
	Help: "Full payloads stored as minor because linkage could not be resolved",
})
