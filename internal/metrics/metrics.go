// Package metrics exposes Prometheus counters and histograms for pipeline runs.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_runs_total",
			Help: "Total pipeline runs by overall outcome",
		},
		[]string{"outcome"},
	)

	instancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_instances_total",
			Help: "Total job instances by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	instanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_instance_duration_seconds",
			Help:    "Wall time of job instances that ran",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"job"},
	)

	stepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_step_failures_total",
			Help: "Total failed steps by job",
		},
		[]string{"job"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_cache_lookups_total",
			Help: "Total cache restores by result (hit, partial, miss)",
		},
		[]string{"result"},
	)

	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_cache_errors_total",
			Help: "Total cache store errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordRun increments the run counter for an overall outcome.
func RecordRun(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
}

// RecordInstance records a finished instance. A zero duration is not observed.
func RecordInstance(job, outcome string, d time.Duration) {
	instancesTotal.WithLabelValues(job, outcome).Inc()
	if d > 0 {
		instanceDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// RecordStepFailure increments the failed step counter.
func RecordStepFailure(job string) {
	stepFailures.WithLabelValues(job).Inc()
}

// RecordCacheLookup increments the cache lookup counter.
// result should be one of: hit, partial, miss
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheError increments the cache error counter.
// operation should be one of: get, put, find, fingerprint, archive, extract
func RecordCacheError(operation string, err error) {
	cacheErrors.WithLabelValues(operation, categorizeError(err)).Inc()
}

// WriteTextfile writes all registered metrics to path in the Prometheus
// text format, suitable for the node_exporter textfile collector.
func WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

func categorizeError(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case os.IsNotExist(err):
		return "not_found"
	case os.IsPermission(err):
		return "permission_denied"
	case os.IsTimeout(err):
		return "timeout"
	default:
		return "unknown"
	}
}
