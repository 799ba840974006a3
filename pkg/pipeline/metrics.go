package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mart_pipeline_runs_total",
			Help: "Total number of pipeline runs by final status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mart_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		},
	)

	dimensionRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mart_pipeline_dimension_rows_total",
			Help: "Dimension rows by merge outcome",
		},
		[]string{"dimension", "change"},
	)

	skippedDimensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mart_pipeline_skipped_dimensions_total",
			Help: "Dimensions skipped due to configuration faults",
		},
		[]string{"dimension"},
	)

	unresolvedFacts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mart_pipeline_unresolved_facts_total",
			Help: "Fact natural-key lookups with no current dimension record",
		},
	)
)
