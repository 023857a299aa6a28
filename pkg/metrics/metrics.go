// Package metrics provides the centralized Prometheus metrics registry
// for the broker client. All metrics are defined in their respective
// packages (api, cache, ratelimit, coalesce, batch, broker) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the broker
// client. All metrics are automatically registered via promauto in
// their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Direct API Metrics (pkg/api):
//   - broker_api_requests_total{operation, status} (Counter): requests by operation and HTTP status
//   - broker_api_request_duration_seconds{operation} (Histogram): round-trip duration
//
// Cache Metrics (pkg/cache):
//   - broker_cache_hits_total{store} (Counter): cache hits by backend
//   - broker_cache_misses_total{store} (Counter): cache misses by backend
//   - broker_cache_evictions_total{store, reason} (Counter): LRU and expiry evictions
//   - broker_cache_entries{store} (Gauge): current entry count
//   - broker_cache_errors_total{operation} (Counter): backend operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - broker_ratelimit_acquires_total{outcome} (Counter): acquisitions by outcome
//     (immediate, waited, timeout, cancelled)
//   - broker_ratelimit_wait_seconds (Histogram): time spent waiting for tokens
//   - broker_ratelimit_tokens (Gauge): tokens currently available
//
// Coalescing Metrics (pkg/coalesce):
//   - broker_coalesce_calls_total{role} (Counter): calls by role (leader, waiter)
//   - broker_coalesce_abandoned_total (Counter): waiters cancelled mid-flight
//
// Batch Metrics (pkg/batch):
//   - broker_batch_items_total{outcome} (Counter): items by outcome (ok, error, cancelled)
//   - broker_batch_duration_seconds (Histogram): wall time of whole batches
//
// Retry Metrics (pkg/broker):
//   - broker_retries_total (Counter): retry attempts (opt-in helper)
//   - broker_retry_exhausted_total (Counter): retries that gave up
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(broker_cache_hits_total[5m])) /
//   (sum(rate(broker_cache_hits_total[5m])) + sum(rate(broker_cache_misses_total[5m])))
//
//   # Calls saved by coalescing
//   rate(broker_coalesce_calls_total{role="waiter"}[5m])
//
//   # P95 wait for rate limiter tokens
//   histogram_quantile(0.95, rate(broker_ratelimit_wait_seconds_bucket[5m]))
//
//   # Batch item error rate
//   rate(broker_batch_items_total{outcome="error"}[5m])
