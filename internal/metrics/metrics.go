// Package metrics provides Prometheus metrics for the CE export core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge client and export
// orchestrator.
type Metrics struct {
	// Readiness metrics
	Probes        *prometheus.CounterVec
	Launches      *prometheus.CounterVec
	ReadinessWait prometheus.Histogram

	// Export metrics
	Exports       *prometheus.CounterVec
	ExportRetries prometheus.Counter
	ExportedItems prometheus.Counter
	SkippedItems  *prometheus.CounterVec

	// Transport metrics
	BridgeErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9187")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ce_export"
	}

	m := &Metrics{
		Probes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_total",
				Help:      "Total health probes issued against the bridge",
			},
			[]string{"outcome"},
		),
		Launches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launches_total",
				Help:      "Total bridge process launch attempts",
			},
			[]string{"kind"},
		),
		ReadinessWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_wait_seconds",
				Help:      "Time spent waiting for the bridge to become ready",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
			},
		),
		Exports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Total export attempts by outcome status",
			},
			[]string{"status"},
		),
		ExportRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_retries_total",
				Help:      "Total backoff-driven export retries",
			},
		),
		ExportedItems: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exported_items_total",
				Help:      "Total line items successfully exported",
			},
		),
		SkippedItems: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_items_total",
				Help:      "Total line items excluded from export by reason",
			},
			[]string{"reason"},
		),
		BridgeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_errors_total",
				Help:      "Total transport-level bridge failures",
			},
			[]string{"kind"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncProbe increments the probe counter for one outcome
// ("ready", "not_ready", "unreachable", "auth_failed").
func (m *Metrics) IncProbe(outcome string) {
	m.Probes.WithLabelValues(outcome).Inc()
}

// IncLaunch increments the launch counter ("executable" or "fallback").
func (m *Metrics) IncLaunch(kind string) {
	m.Launches.WithLabelValues(kind).Inc()
}

// ObserveReadinessWait records how long one ensure-ready call blocked.
func (m *Metrics) ObserveReadinessWait(seconds float64) {
	m.ReadinessWait.Observe(seconds)
}

// IncExport increments the export counter for one outcome status.
func (m *Metrics) IncExport(status string) {
	m.Exports.WithLabelValues(status).Inc()
}

// IncExportRetry increments the retry counter.
func (m *Metrics) IncExportRetry() {
	m.ExportRetries.Inc()
}

// AddExportedItems adds to the exported item counter.
func (m *Metrics) AddExportedItems(count float64) {
	m.ExportedItems.Add(count)
}

// IncSkippedItem increments the skipped item counter for one reason.
func (m *Metrics) IncSkippedItem(reason string) {
	m.SkippedItems.WithLabelValues(reason).Inc()
}

// IncBridgeError increments the transport error counter
// ("network", "auth", "protocol").
func (m *Metrics) IncBridgeError(kind string) {
	m.BridgeErrors.WithLabelValues(kind).Inc()
}
