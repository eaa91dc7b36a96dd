package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_fetch_rounds_total",
		Help: "Batched reporting API rounds issued",
	})

	rowsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_rows_fetched_total",
		Help: "Raw report rows fetched",
	}, []string{"report"})

	loadJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_load_jobs_total",
		Help: "Load jobs by report and terminal status",
	}, []string{"report", "status"})

	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_merges_total",
		Help: "Stage-to-target merges by result",
	}, []string{"report", "result"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Pipeline runs by result",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_run_duration_seconds",
		Help:    "End-to-end duration of a pipeline run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
