// Package metrics exposes the Prometheus registry canvas-ingest reports to.
// All metrics are defined in their respective packages (client, ratelimit,
// retry, pagination, store, loader, orchestrator) and registered via promauto.
//
// This package provides the HTTP handler and the reference for all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every canvas-ingest metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry,
		promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - canvas_ingest_requests_total{route, status} (Counter): Canvas API requests by route and HTTP status
//   - canvas_ingest_request_duration_seconds{route} (Histogram): Request duration by route
//   - canvas_ingest_request_errors_total{class} (Counter): Errors by class (auth, client, server, rate_limit, network)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - canvas_ingest_ratelimit_remaining (Gauge): Last observed X-Rate-Limit-Remaining
//   - canvas_ingest_ratelimit_wait_seconds{backend} (Histogram): Time spent waiting for admission
//   - canvas_ingest_ratelimit_blocks_total{backend} (Counter): Admissions paused by a critical quota or Retry-After
//   - canvas_ingest_ratelimit_throttles_total{backend} (Counter): Admissions slowed by a low quota
//
// Retry Metrics (pkg/retry):
//   - canvas_ingest_retries_total{operation, error_class} (Counter): Retry attempts
//   - canvas_ingest_retry_backoff_seconds{operation, error_class} (Histogram): Backoff durations
//   - canvas_ingest_retry_exhausted_total{operation, error_class} (Counter): Operations that exhausted their attempts
//
// Pagination Metrics (pkg/pagination):
//   - canvas_ingest_pages_fetched_total{entity, kind} (Counter): Pages fetched (records, parents)
//   - canvas_ingest_records_skipped_total{entity} (Counter): Records dropped during normalization
//   - canvas_ingest_pagination_truncated_total{entity} (Counter): Cursor chains stopped by max_pages
//
// Store Metrics (pkg/store):
//   - canvas_ingest_store_upsert_duration_seconds{table} (Histogram): Upsert transaction duration
//   - canvas_ingest_store_upsert_errors_total{table} (Counter): Failed upsert transactions
//
// Loader Metrics (pkg/loader):
//   - canvas_ingest_rows_upserted_total{entity} (Counter): Rows upserted
//   - canvas_ingest_batches_committed_total{entity} (Counter): Commit batches written
//   - canvas_ingest_batch_commit_failures_total{entity} (Counter): Batches that exhausted their retries
//   - canvas_ingest_entity_outcomes_total{entity, status} (Counter): Entity loads by final status
//   - canvas_ingest_entity_duration_seconds{entity} (Histogram): Entity load duration
//
// Run Metrics (pkg/orchestrator):
//   - canvas_ingest_runs_total{status} (Counter): Runs by overall status
//   - canvas_ingest_run_duration_seconds (Histogram): Run duration
//   - canvas_ingest_entities_in_flight (Gauge): Entity loads currently running
//
// Example Prometheus Queries:
//
//   # Rows per second by entity
//   sum by (entity) (rate(canvas_ingest_rows_upserted_total[5m]))
//
//   # Runs that did not fully succeed
//   increase(canvas_ingest_runs_total{status!="Succeeded"}[1d])
//
//   # Canvas quota running low
//   canvas_ingest_ratelimit_remaining < 100
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(canvas_ingest_request_duration_seconds_bucket[5m]))
//
//   # Retry rate of page fetches
//   sum(rate(canvas_ingest_retries_total{operation="page_fetch"}[5m]))
