// Package metrics defines Prometheus metrics for scanbridge.
//
// All metrics are registered with the default registry and served by the
// command on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - scanbridge_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScansTotal counts scan calls by protocol and outcome.
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanbridge_scans_total",
			Help: "Total number of scan calls by protocol and outcome.",
		},
		[]string{"protocol", "outcome"},
	)

	// ScanDurationSeconds is a histogram of scan duration by protocol.
	ScanDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanbridge_scan_duration_seconds",
			Help:    "Duration of scan calls in seconds.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"protocol"},
	)

	// PagesTotal counts captured pages by protocol.
	PagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanbridge_pages_total",
			Help: "Total pages captured.",
		},
		[]string{"protocol"},
	)

	// DiscoveryRunsTotal counts discovery runs by strategy and result.
	DiscoveryRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanbridge_discovery_runs_total",
			Help: "Total discovery runs by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	// DiscoveredDevices is the number of devices returned by the last run of
	// each strategy.
	DiscoveredDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanbridge_discovered_devices",
			Help: "Devices returned by the last discovery run.",
		},
		[]string{"strategy"},
	)

	// ValidationDropsTotal counts network candidates dropped by validation.
	ValidationDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanbridge_validation_drops_total",
			Help: "Network discovery candidates dropped because validation failed.",
		},
		[]string{"service"},
	)

	// CacheHitsTotal counts discovery calls answered from the cache.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanbridge_discovery_cache_hits_total",
			Help: "Discovery calls answered from the cache.",
		},
	)

	// JobPollsTotal counts eSCL job status polls by observed state.
	JobPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanbridge_escl_job_polls_total",
			Help: "eSCL job status polls by observed job state.",
		},
		[]string{"state"},
	)

	// NativeCallSeconds is a histogram of blocking native calls by backend
	// and call name.
	NativeCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanbridge_native_call_seconds",
			Help:    "Duration of blocking native library calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"backend", "call"},
	)

	// ActiveScans is the number of scans currently running.
	ActiveScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanbridge_active_scans",
			Help: "Number of scans currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ScanDurationSeconds,
		PagesTotal,
		DiscoveryRunsTotal,
		DiscoveredDevices,
		ValidationDropsTotal,
		CacheHitsTotal,
		JobPollsTotal,
		NativeCallSeconds,
		ActiveScans,
	)
}

// RecordScan records metrics for a finished scan call.
func RecordScan(protocol, outcome string, duration time.Duration, pages int) {
	ScansTotal.WithLabelValues(protocol, outcome).Inc()
	ScanDurationSeconds.WithLabelValues(protocol).Observe(duration.Seconds())
	PagesTotal.WithLabelValues(protocol).Add(float64(pages))
}

// ScanStarted increments the active scan gauge and returns the matching
// decrement.
func ScanStarted() func() {
	ActiveScans.Inc()
	return ActiveScans.Dec
}

// RecordDiscovery records one discovery run.
func RecordDiscovery(strategy string, err error, devices int) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	DiscoveryRunsTotal.WithLabelValues(strategy, result).Inc()
	DiscoveredDevices.WithLabelValues(strategy).Set(float64(devices))
}

// RecordValidationDrop records a dropped discovery candidate.
func RecordValidationDrop(service string) {
	ValidationDropsTotal.WithLabelValues(service).Inc()
}

// RecordCacheHit records a discovery call served from the cache.
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordJobPoll records one eSCL job status poll.
func RecordJobPoll(state string) {
	JobPollsTotal.WithLabelValues(state).Inc()
}

// ObserveNativeCall records the duration of a blocking native call.
func ObserveNativeCall(backend, call string, d time.Duration) {
	NativeCallSeconds.WithLabelValues(backend, call).Observe(d.Seconds())
}
