// Package metrics exposes Prometheus collectors for the lyric pipeline and its HTTP surface.
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
	sourcesTotal               *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            prometheus.Counter
	rateLimitDelaySeconds      prometheus.Histogram
	mergeDecisionsTotal        *prometheus.CounterVec
	snapshotBytes              *prometheus.GaugeVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lyricsdb_sources_total",
				Help: "Sources processed per run, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lyricsdb_fetch_attempts_total",
				Help: "Outbound fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lyricsdb_fetch_bytes_total",
				Help: "Bytes downloaded from lyric sources.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lyricsdb_rate_limit_delay_seconds",
				Help:    "Histogram of time spent waiting on the shared rate budget.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120, 600},
			},
		)

		mergeDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lyricsdb_merge_decisions_total",
				Help: "Merge decisions, labeled by decision kind.",
			},
			[]string{"decision"},
		)

		snapshotBytes = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lyricsdb_snapshot_bytes",
				Help: "Size of the last exported snapshot, labeled raw or compressed.",
			},
			[]string{"kind"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lyricsdb_runs_total",
				Help: "Completed runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lyricsdb_run_duration_seconds",
				Help:    "Histogram of end-to-end run durations.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lyricsdb_active_workers",
				Help: "Number of fetch workers currently processing a source.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSource counts a source outcome (succeeded, skipped, failed, stale).
func ObserveSource(outcome string) {
	Init()
	sourcesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch counts one fetch attempt and the bytes it returned.
func ObserveFetch(result string, bytesFetched int) {
	Init()
	fetchAttemptsTotal.WithLabelValues(result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveMergeDecision counts a merge decision.
func ObserveMergeDecision(kind string) {
	Init()
	mergeDecisionsTotal.WithLabelValues(kind).Inc()
}

// SetSnapshotBytes records the raw and compressed sizes of the last snapshot.
func SetSnapshotBytes(raw, compressed int64) {
	Init()
	snapshotBytes.WithLabelValues("raw").Set(float64(raw))
	snapshotBytes.WithLabelValues("compressed").Set(float64(compressed))
}

// ObserveRun counts a finished run and its duration.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
