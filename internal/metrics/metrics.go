package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	ExpirationTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ergoblock_expiration_ticks_total",
		Help: "Total number of expiration scheduler ticks",
	})

	ExpiredEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ergoblock_expired_entries_total",
		Help: "Total number of entries reversed on expiry",
	}, []string{"action", "outcome"})

	TrackedEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ergoblock_tracked_entries",
		Help: "Current number of tracked entries (temporary and permanent, both action types)",
	})
)

// Sync metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ergoblock_sync_runs_total",
		Help: "Total number of full sync runs",
	}, []string{"outcome"})

	SyncDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ergoblock_sync_drift_total",
		Help: "Total number of temporary entries found reversed by another client",
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ergoblock_sync_duration_seconds",
		Help:    "Full sync duration in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

// Audit metrics
var (
	AuditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ergoblock_audit_runs_total",
		Help: "Total number of blocklist audit runs",
	}, []string{"outcome"})

	AuditConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ergoblock_audit_conflicts",
		Help: "Conflicts found by the most recent blocklist audit",
	})
)

// Context pipeline metrics
var (
	ContextLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ergoblock_context_lookups_total",
		Help: "Total number of post context lookups",
	}, []string{"tier", "outcome"})
)

// Firehose metrics
var (
	FirehoseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ergoblock_firehose_events_total",
		Help: "Total number of firehose events processed",
	}, []string{"collection", "operation"})

	FirehoseConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ergoblock_firehose_connection_state",
		Help: "Firehose connection state (1=connected, 0=disconnected)",
	})

	FirehoseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ergoblock_firehose_errors_total",
		Help: "Total number of firehose processing errors",
	})
)

// Auth metrics
var (
	AuthValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ergoblock_auth_valid",
		Help: "Whether the stored credential last worked (1=valid, 0=invalid)",
	})
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ergoblock_http_requests_total",
		Help: "Total number of HTTP requests to the control API",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ergoblock_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "context" {
		return "/api/context/:did"
	}
	return path
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	return segments
}
