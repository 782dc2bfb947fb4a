package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsApplied counts scene mutation jobs that completed successfully, by event kind.
	JobsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenesync_jobs_applied_total",
			Help: "Total number of scene mutation jobs applied",
		},
		[]string{"event"},
	)

	// JobsFailed counts scene mutation jobs that failed, by event kind and reason.
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenesync_jobs_failed_total",
			Help: "Total number of scene mutation jobs dropped after failure",
		},
		[]string{"event", "reason"},
	)

	// JobLatency measures queue worker execution time per job.
	JobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scenesync_job_duration_seconds",
			Help:    "Time spent applying and broadcasting a scene mutation job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// ActiveSessions tracks collaboration sessions with a live queue worker.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scenesync_active_sessions",
			Help: "Number of active collaboration sessions",
		},
	)

	// ConnectedClients tracks open websocket connections.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scenesync_connected_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scenesync_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
