package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwatch_job_runs_total",
		Help: "Scheduled job runs by outcome (ok, error, canceled, skipped)",
	}, []string{"job", "result"})

	jobSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedwatch_job_duration_seconds",
		Help:    "Wall time of scheduled job runs",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"job"})
)
