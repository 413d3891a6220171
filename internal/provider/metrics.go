package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedwatch_provider_requests_total",
	Help: "Provider REST requests by rate limit class and status",
}, []string{"class", "status"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedwatch_provider_request_duration_seconds",
	Help:    "Provider REST request latency",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"class"})
