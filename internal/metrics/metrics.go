package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SegmentsFetchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "segments_fetched_total",
		Help:      "Total segments written to disk by track kind.",
	}, []string{"kind"})

	SegmentFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "segment_failures_total",
		Help:      "Total segment fetch or write failures by track kind.",
	}, []string{"kind"})

	BytesWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "bytes_written_total",
		Help:      "Total bytes appended to track files by track kind.",
	}, []string{"kind"})

	SegmentFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rangegrab",
		Name:      "segment_fetch_duration_seconds",
		Help:      "Duration of a single segment request in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	ResumesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "resumes_total",
		Help:      "Track fetches by resume action.",
	}, []string{"action"})

	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "downloads_total",
		Help:      "Finished downloads by status.",
	}, []string{"status"})

	ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rangegrab",
		Name:      "active_downloads",
		Help:      "Number of downloads currently running.",
	})

	QueuedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rangegrab",
		Name:      "queued_jobs",
		Help:      "Number of jobs waiting for a worker.",
	})

	MuxDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rangegrab",
		Name:      "mux_duration_seconds",
		Help:      "Duration of ffmpeg mux runs in seconds.",
		Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "http_requests_total",
		Help:      "Total API requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangegrab",
		Name:      "auth_failures_total",
		Help:      "Rejected API requests by reason.",
	}, []string{"reason"})
)

// Register adds every collector to reg. The server registers with the
// default registry; tests use a fresh one.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SegmentsFetchedTotal,
		SegmentFailuresTotal,
		BytesWrittenTotal,
		SegmentFetchDuration,
		ResumesTotal,
		DownloadsTotal,
		ActiveDownloads,
		QueuedJobs,
		MuxDuration,
		HTTPRequestsTotal,
		AuthFailuresTotal,
	)
}
