// Package metrics provides Prometheus metrics for shelf.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedEventsTotal counts feed events by kind and outcome (applied, duplicate, stale, foreign, tombstoned).
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Name:      "feed_events_total",
			Help:      "Total number of change feed events handled",
		},
		[]string{"kind", "outcome"},
	)

	// SnapshotsTotal counts snapshot fetches by status (applied, failed, stale, superseded).
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Name:      "snapshots_total",
			Help:      "Total number of snapshot fetches",
		},
		[]string{"status"},
	)

	// StoreDuration measures Store request duration.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shelf",
			Name:      "store_request_duration_seconds",
			Help:      "Duration of Store requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// MutationsTotal counts local create/delete calls by status.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Name:      "mutations_total",
			Help:      "Total number of local mutations",
		},
		[]string{"op", "status"},
	)

	// ResubscribesTotal counts change feed resubscription attempts by status.
	ResubscribesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Name:      "feed_resubscribes_total",
			Help:      "Total number of change feed resubscription attempts",
		},
		[]string{"status"},
	)

	// ActiveSessions tracks active synchronizers.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shelf",
			Name:      "active_sessions",
			Help:      "Number of active per-user synchronizers",
		},
	)

	// EventStreams tracks open server-sent event streams.
	EventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shelf",
			Name:      "event_streams",
			Help:      "Number of open server-sent event streams",
		},
	)

	// AccessDeniedTotal counts requests rejected by access filters, by reason (cidr, host).
	AccessDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Subsystem: "http",
			Name:      "access_denied_total",
			Help:      "Total number of requests rejected by access filters",
		},
		[]string{"reason"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	// ImportedTotal counts bookmarks inserted by the importer.
	ImportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shelf",
			Name:      "imported_bookmarks_total",
			Help:      "Total number of bookmarks inserted by the importer",
		},
	)
)

// RecordFeedEvent records the outcome of one feed event.
func RecordFeedEvent(kind, outcome string) {
	FeedEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSnapshot records the outcome of one snapshot fetch.
func RecordSnapshot(status string) {
	SnapshotsTotal.WithLabelValues(status).Inc()
}

// RecordStore records the duration of one Store request.
func RecordStore(op string, seconds float64) {
	StoreDuration.WithLabelValues(op).Observe(seconds)
}

// RecordMutation records a local mutation.
func RecordMutation(op, status string) {
	MutationsTotal.WithLabelValues(op, status).Inc()
}

// RecordResubscribe records a resubscription attempt.
func RecordResubscribe(status string) {
	ResubscribesTotal.WithLabelValues(status).Inc()
}
