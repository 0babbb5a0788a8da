// Package metrics registers the Prometheus instruments exported by the note engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NoteOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geonotes_note_operations_total",
			Help: "Note store operations by operation and outcome kind",
		},
		[]string{"operation", "outcome"},
	)

	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geonotes_quota_decisions_total",
			Help: "Private note admissions by decision",
		},
		[]string{"decision"},
	)

	QuotaReleaseClamps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geonotes_quota_release_clamped_total",
			Help: "Quota releases that would have dropped a counter below zero",
		},
	)

	SpatialIndexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geonotes_spatial_index_entries",
			Help: "Notes currently held in the spatial grid",
		},
	)

	SpatialQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geonotes_spatial_query_duration_seconds",
			Help:    "Duration of radius queries including note resolution",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImportItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geonotes_import_items_total",
			Help: "Bulk import items by outcome code",
		},
		[]string{"outcome"},
	)

	ImportJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geonotes_import_jobs_total",
			Help: "Bulk import jobs by terminal status",
		},
		[]string{"status"},
	)

	ImportJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geonotes_import_jobs_running",
			Help: "Bulk import jobs currently being processed",
		},
	)

	StorageBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geonotes_storage_breaker_open",
			Help: "1 when the storage circuit breaker is open",
		},
		[]string{"name"},
	)
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
