package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_assembler_jobs_created_total",
		Help: "Total number of jobs created",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_assembler_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state",
	}, []string{"state"})

	DownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_assembler_downloads_total",
		Help: "Total number of format download attempts",
	})

	DownloadsSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_assembler_downloads_success_total",
		Help: "Total number of successful format downloads",
	})

	DownloadsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_assembler_downloads_failed_total",
		Help: "Total number of failed format downloads",
	}, []string{"reason"})

	DownloadsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_assembler_downloads_resumed_total",
		Help: "Total number of downloads resumed from a part file",
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_assembler_download_duration_seconds",
		Help:    "Format download duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_assembler_download_bytes_total",
		Help: "Total bytes downloaded",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_assembler_events_total",
		Help: "Total number of job events delivered, by kind and level",
	}, []string{"kind", "level"})
)
