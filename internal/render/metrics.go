package render

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwatch_render_submits_total",
		Help: "Render submissions by outcome",
	}, []string{"outcome"})
	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedwatch_render_jobs_total",
		Help: "Finished render jobs by result",
	}, []string{"result"})
	jobSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedwatch_render_job_seconds",
		Help:    "Successful render job duration",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})
	busyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedwatch_render_busy_workers",
		Help: "Render workers currently running a job",
	})
	cleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedwatch_render_artifacts_removed_total",
		Help: "Artifacts removed by the cleanup job",
	})
)
