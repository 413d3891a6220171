package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedwatch_cache_lookups_total",
	Help: "Entity cache lookups by result",
}, []string{"cache", "result"})
