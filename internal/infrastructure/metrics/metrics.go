package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Voice-API Metrics
var (
	// Gateway event counters
	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "gateway_events_total",
			Help:      "Total client events handled by the gateway",
		},
		[]string{"event", "outcome"},
	)

	// Active session gauge
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "active_sessions",
			Help:      "Number of sessions with a live gateway subscription",
		},
	)

	// Job counters
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "jobs_total",
			Help:      "Total background jobs processed",
		},
		[]string{"job_type", "status"},
	)

	// Job duration histogram
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"job_type"},
	)

	// Queue depth gauge
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "queue_depth",
			Help:      "Background job queue depth",
		},
	)

	// Provider call counters
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "provider_calls_total",
			Help:      "Total external provider invocations",
		},
		[]string{"provider", "status"},
	)

	// Provider latency histogram
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "provider_latency_seconds",
			Help:      "External provider call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// Breaker state gauge: 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)

	// Chunk counters
	ChunksWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "chunks_written_total",
			Help:      "Total audio chunks persisted to object storage",
		},
	)

	ChunkBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "voice_api",
			Name:      "chunk_bytes_total",
			Help:      "Total audio bytes persisted to object storage",
		},
	)
)
