// Package telemetry provides application-level observability for the audit ledger.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<AUDIT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Append counters and latency histograms for the hash chain writer
//   - Chain verification counters labelled by outcome
//   - Export job counters labelled by terminal status
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/events/:sequence)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as job IDs or sequence numbers.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/audit-ledger/audit-ledger/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.AppendsTotal.WithLabelValues("ok").Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/events/:sequence),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Ledger append metrics — recorded by the API append handler.
//
// AppendsTotal is a CounterVec with label {result} ("ok", "invalid", "failed").
// "invalid" counts rejected inputs (validation errors), "failed" counts storage
// errors after validation passed.  The append path is serialized on a single
// writer lock, so rate(audit_appends_total[5m]) is also the chain growth rate.
//
// Example PromQL queries:
//   - Append failure ratio:  sum(rate(audit_appends_total{result="failed"}[5m])) / sum(rate(audit_appends_total[5m]))
//   - p99 append latency:    histogram_quantile(0.99, rate(audit_append_duration_seconds_bucket[5m]))
var (
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Total number of audit event append attempts, by result.",
		},
		[]string{"result"},
	)

	AppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_append_duration_seconds",
			Help:    "Duration of a single audit event append, including the tip read and insert.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ChainVerificationsTotal is a CounterVec with label {result} ("valid",
// "invalid", "error") incremented once per verification run.  An alert on any
// increase of the "invalid" series is strongly recommended: it means the
// stored chain no longer matches its signatures.
//
// Example PromQL queries:
//   - Tamper alert expression:  increase(audit_chain_verifications_total{result="invalid"}[1h]) > 0
var ChainVerificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_chain_verifications_total",
		Help: "Total number of chain verification runs, by result.",
	},
	[]string{"result"},
)

// Export job metrics — recorded by the export orchestrator.
//
// ExportJobsTotal is a CounterVec with label {status} ("complete", "failed")
// incremented when a job reaches a terminal state.  ExportDuration observes
// the wall time from claim to terminal state.
//
// Example PromQL queries:
//   - Failure ratio:   sum(rate(export_jobs_total{status="failed"}[1h])) / sum(rate(export_jobs_total[1h]))
//   - p95 export time: histogram_quantile(0.95, rate(export_duration_seconds_bucket[1h]))
var (
	ExportJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_total",
			Help: "Total number of export jobs reaching a terminal state, by status.",
		},
		[]string{"status"},
	)

	ExportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "export_duration_seconds",
			Help:    "Duration of a single export job from claim to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <AUDIT_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
