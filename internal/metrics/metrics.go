// Package metrics provides Prometheus metrics for the httpfs mount.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Metadata probe metrics
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpfs_probes_total",
			Help: "Total number of metadata probes",
		},
		[]string{"outcome"},
	)

	probeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "httpfs_probe_duration_seconds",
			Help:    "Metadata probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Range read metrics
	rangeReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpfs_range_reads_total",
			Help: "Total number of byte-range reads",
		},
		[]string{"outcome"},
	)

	readDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "httpfs_read_duration_seconds",
			Help:    "Range read duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpfs_bytes_downloaded_total",
			Help: "Total content bytes downloaded",
		},
	)

	fullBodyFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpfs_full_body_fallbacks_total",
			Help: "Reads where the server ignored the Range header and the full body was fetched",
		},
	)

	// Error metrics
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpfs_errors_total",
			Help: "Total errors surfaced to the kernel, by kind",
		},
		[]string{"kind"},
	)

	// Dispatch metrics
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpfs_lookups_total",
			Help: "Total path lookups, by classification",
		},
		[]string{"kind"},
	)

	readOnlyRejectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpfs_read_only_rejects_total",
			Help: "Mutating calls rejected with EROFS",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordProbe records a metadata probe outcome.
func RecordProbe(outcome string, duration time.Duration) {
	probesTotal.WithLabelValues(outcome).Inc()
	probeDuration.Observe(duration.Seconds())
}

// RecordRangeRead records a byte-range read.
func RecordRangeRead(bytes int64, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	rangeReadsTotal.WithLabelValues(outcome).Inc()
	readDuration.Observe(duration.Seconds())
	if bytes > 0 {
		bytesDownloaded.Add(float64(bytes))
	}
}

// RecordFullBodyFallback records a read served by the full-body
// fallback path.
func RecordFullBodyFallback() {
	fullBodyFallbacks.Inc()
}

// RecordError records an error surfaced to the kernel.
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLookup records a path lookup classification ("dir" or "file").
func RecordLookup(kind string) {
	lookupsTotal.WithLabelValues(kind).Inc()
}

// RecordReadOnlyReject records a rejected mutating call.
func RecordReadOnlyReject() {
	readOnlyRejectsTotal.Inc()
}
