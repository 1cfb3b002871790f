// Package metrics provides Prometheus metrics for the mirror engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initialSyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_initial_sync_runs_total",
			Help: "Initial sync runs by result",
		},
		[]string{"result"},
	)

	initialSyncFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_initial_sync_files_total",
			Help: "Files processed by initial sync by outcome",
		},
		[]string{"outcome"},
	)

	initialSyncBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_initial_sync_bytes_total",
			Help: "Bytes copied from origin trees into mirrors",
		},
	)

	initialSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treemirror_initial_sync_duration_seconds",
			Help:    "Initial sync wall time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	writebackJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_writeback_jobs_total",
			Help: "Write-back jobs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	writebackBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_writeback_bytes_total",
			Help: "Bytes written back to origin trees",
		},
	)

	writebackQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_writeback_queue_depth",
			Help: "Jobs waiting in the active write-back queue",
		},
	)

	watcherRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_watcher_events_rejected_total",
			Help: "Change events rejected because the write-back queue was full or closed",
		},
	)

	registryPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_registry_pruned_total",
			Help: "Folder records pruned because their grant was revoked",
		},
	)
)

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordInitialSync(result string, duration time.Duration) {
	initialSyncRuns.WithLabelValues(result).Inc()
	initialSyncDuration.Observe(duration.Seconds())
}

func RecordInitialSyncFile(outcome string, bytes int64) {
	initialSyncFiles.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		initialSyncBytes.Add(float64(bytes))
	}
}

func RecordWriteback(jobType, outcome string, bytes int64) {
	writebackJobs.WithLabelValues(jobType, outcome).Inc()
	if bytes > 0 {
		writebackBytes.Add(float64(bytes))
	}
}

func SetWritebackQueueDepth(depth int) {
	writebackQueueDepth.Set(float64(depth))
}

func RecordWatcherRejected() {
	watcherRejected.Inc()
}

func RecordRegistryPruned(n int) {
	if n > 0 {
		registryPruned.Add(float64(n))
	}
}
