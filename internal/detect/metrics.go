package detect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var detected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedwatch_detected_total",
	Help: "Changes classified by the detector",
}, []string{"kind"})
