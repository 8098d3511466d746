// Package metrics exposes prometheus instrumentation for the download engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segpull",
			Name:      "tasks_started_total",
			Help:      "Count of download tasks admitted for execution.",
		},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "segpull",
			Name:      "tasks_finished_total",
			Help:      "Count of download tasks that reached a terminal status.",
		},
		[]string{"status"},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segpull",
			Name:      "bytes_downloaded_total",
			Help:      "Total bytes written by segment downloads.",
		},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "segpull",
			Name:      "active_downloads",
			Help:      "Number of tasks currently holding a download slot.",
		},
	)

	MirrorFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segpull",
			Name:      "mirror_failovers_total",
			Help:      "Count of segment mirror reassignments.",
		},
	)

	SegmentRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segpull",
			Name:      "segment_retries_total",
			Help:      "Count of segment download retry attempts.",
		},
	)
)

// Register registers the segpull metrics into the default registry.
func Register() {
	prometheus.MustRegister(
		TasksStarted,
		TasksFinished,
		BytesDownloaded,
		ActiveDownloads,
		MirrorFailovers,
		SegmentRetries,
	)
}
