package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine-level Prometheus collectors. Label sets are bounded: categories,
// stream states and sweep names are small fixed enums. Backend URLs are never
// used as labels.
var (
	// IngestedRecords counts records written by the ingestion pipeline.
	IngestedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedisync_ingested_records_total",
			Help: "Records written by the ingestion pipeline, by kind and category.",
		},
		[]string{"kind", "category"},
	)

	// RemovedMemberships counts category removals triggered by delete events.
	RemovedMemberships = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedisync_removed_memberships_total",
			Help: "Category memberships removed, by category and outcome (narrowed|deleted).",
		},
		[]string{"category", "outcome"},
	)

	// StreamConnections gauges streaming connections by state.
	StreamConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fedisync_stream_connections",
			Help: "Streaming connections by state.",
		},
		[]string{"state"},
	)

	// StreamReconnects counts scheduled reconnect attempts.
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedisync_stream_reconnects_total",
			Help: "Reconnect attempts scheduled after stream errors.",
		},
	)

	// StreamGiveUps counts streams abandoned after exhausting retries.
	StreamGiveUps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedisync_stream_giveups_total",
			Help: "Streams moved to disconnected after exhausting retries.",
		},
	)

	// RetentionEvictions counts retention removals by sweep and category.
	RetentionEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedisync_retention_evictions_total",
			Help: "Records demoted or deleted by retention sweeps.",
		},
		[]string{"sweep", "category"},
	)

	// ProjectionDuration records projection query latency by timeline type.
	ProjectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedisync_projection_duration_seconds",
			Help:    "Duration of projection queries in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestedRecords,
		RemovedMemberships,
		StreamConnections,
		StreamReconnects,
		StreamGiveUps,
		RetentionEvictions,
		ProjectionDuration,
	)
}
