package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ------------------- Prometheus metrics -------------------

var (
	// channelsProcessed counts outcome records by database and status
	channelsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagnostics_channels_processed_total",
		Help: "Channels processed by database and status",
	}, []string{"db", "status"})

	// channelsExpected counts channels found by discovery
	channelsExpected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagnostics_channels_expected_total",
		Help: "Channels found by discovery by database",
	}, []string{"db"})

	// connectionFailures counts (shot, db) pairs whose discovery gave up
	connectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagnostics_connection_failures_total",
		Help: "Shot/database pairs skipped because discovery failed",
	}, []string{"db"})

	// anomaliesFound counts fired detectors
	anomaliesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagnostics_anomalies_total",
		Help: "Anomaly records produced by detector",
	}, []string{"detector"})

	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diagnostics_flush_failures_total",
		Help: "Result writes that failed and were kept for retry",
	})

	shotsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diagnostics_shots_finalized_total",
		Help: "Shots whose outcome list was reconciled and indexed",
	})

	statsFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diagnostics_stats_fallbacks_total",
		Help: "Statistics documents replaced by a minimal record after a write error",
	})

	// shotDuration tracks wall time from first task to finalization
	shotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagnostics_shot_duration_seconds",
		Help:    "Shot processing time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
	})
)
