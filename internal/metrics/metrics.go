// Package metrics exposes the process-wide instrumentation points for the
// ingest, delivery, and query subsystems.
//
// The admin/metrics HTTP exporter itself is out of scope for this module
// (configuration loading and the admin HTTP surface are external
// collaborators), but the instrumentation points are ambient stack and are
// always registered so that whatever surface a deployment wires up (an
// openmetrics endpoint, a sidecar scraper) has something to read.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// IngestedMessages counts ingest() calls by outcome: "stored",
	// "duplicate", "quota", "parse_error", "crypto_error", "store_error".
	IngestedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailcore",
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Messages processed by the ingest pipeline, by outcome.",
	}, []string{"outcome"})

	// IngestDuration tracks end-to-end ingest() latency.
	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailcore",
		Subsystem: "ingest",
		Name:      "duration_seconds",
		Help:      "Time spent in a single ingest() call.",
		Buckets:   prometheus.DefBuckets,
	})

	// QueueDepth reports the number of messages currently queued for
	// outbound delivery, labeled by virtual queue name.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mailcore",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of queued messages awaiting delivery.",
	}, []string{"virtual_queue"})

	// DeliveryAttempts counts per-recipient delivery attempts by terminal
	// status: "completed", "temp_fail", "perm_fail", "deferred".
	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailcore",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Outbound delivery attempts by terminal status.",
	}, []string{"status"})

	// BlobBytes is registered for the total bytes referenced by live blob
	// links; no code path in this module sets it, so it stays at 0.
	BlobBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailcore",
		Subsystem: "store",
		Name:      "blob_bytes",
		Help:      "Total bytes referenced by live blob links.",
	})
)

func init() {
	prometheus.MustRegister(IngestedMessages, IngestDuration, QueueDepth, DeliveryAttempts, BlobBytes)
}
