// Package metrics exposes Prometheus collectors for the reference scanner.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	referencesExtractedTotal *prometheus.CounterVec
	statusChecksTotal        *prometheus.CounterVec
	statusCacheHitsTotal     prometheus.Counter
	statusCacheMissesTotal   prometheus.Counter
	scanBatchesTotal         *prometheus.CounterVec
	scansTotal               *prometheus.CounterVec
	queueDepth               *prometheus.GaugeVec
	batchDurationSeconds     prometheus.Histogram
	httpRequestsTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		referencesExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refscout_references_extracted_total",
				Help: "Total references extracted, labeled by source kind and reference kind.",
			},
			[]string{"entity_kind", "ref_kind"},
		)

		statusChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refscout_status_checks_total",
				Help: "Total HTTP status-check attempts, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		statusCacheHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "refscout_status_cache_hits_total",
				Help: "Status-check results served from the session cache.",
			},
		)

		statusCacheMissesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "refscout_status_cache_misses_total",
				Help: "Status-check cache misses that triggered a network check.",
			},
		)

		scanBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refscout_scan_batches_total",
				Help: "Batches processed, labeled by queue category.",
			},
			[]string{"category"},
		)

		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refscout_scans_total",
				Help: "Scan runs finished, labeled by scan type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refscout_queue_depth",
				Help: "Unprocessed queue entries per category.",
			},
			[]string{"category"},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refscout_batch_duration_seconds",
				Help:    "Histogram of batch processing durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReference increments the extraction counter.
func ObserveReference(entityKind, refKind string) {
	if referencesExtractedTotal == nil {
		return
	}
	referencesExtractedTotal.WithLabelValues(entityKind, refKind).Inc()
}

// ObserveStatusCheck increments the status-check attempt counter.
func ObserveStatusCheck(method string, code int) {
	if statusChecksTotal == nil {
		return
	}
	statusChecksTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveCacheHit counts a status result served from the session cache.
func ObserveCacheHit() {
	if statusCacheHitsTotal == nil {
		return
	}
	statusCacheHitsTotal.Inc()
}

// ObserveCacheMiss counts a cache miss that reached the network.
func ObserveCacheMiss() {
	if statusCacheMissesTotal == nil {
		return
	}
	statusCacheMissesTotal.Inc()
}

// ObserveBatch records one processed batch and its duration.
func ObserveBatch(category string, duration time.Duration) {
	if scanBatchesTotal == nil {
		return
	}
	scanBatchesTotal.WithLabelValues(category).Inc()
	batchDurationSeconds.Observe(duration.Seconds())
}

// ObserveScan records a finished run by type and outcome.
func ObserveScan(scanType, outcome string) {
	if scansTotal == nil {
		return
	}
	scansTotal.WithLabelValues(scanType, outcome).Inc()
}

// SetQueueDepth publishes the current depth of one category queue.
func SetQueueDepth(category string, depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues(category).Set(float64(depth))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method string, code int) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
