package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var denied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedwatch_ratelimit_denied_total",
	Help: "Outbound provider calls denied by the local rate limiter",
}, []string{"class"})
