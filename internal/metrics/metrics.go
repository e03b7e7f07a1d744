// Package metrics defines the Prometheus collectors for the orchestrator.
// Collectors are package-level and registered at init via promauto, so any
// package can record without carrying a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EngineConnectsTotal counts successful WebSocket dials to the engine.
	EngineConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jota_engine_connects_total",
		Help: "Successful WebSocket connections to the inference engine.",
	})

	// EngineDisconnectsTotal counts connection losses after Ready.
	EngineDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jota_engine_disconnects_total",
		Help: "Inference engine connections lost after becoming ready.",
	})

	// EngineAuthFailuresTotal counts failed or timed-out handshakes.
	EngineAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jota_engine_auth_failures_total",
		Help: "Authentication failures against the inference engine.",
	})

	// FramesReceivedTotal counts inbound protocol frames by op.
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jota_frames_received_total",
		Help: "Protocol frames received from the inference engine.",
	}, []string{"op"})

	// SessionsCreatedTotal counts engine sessions issued to this instance.
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jota_sessions_created_total",
		Help: "Inference sessions created on the engine.",
	})

	// InferencesTotal counts finished inferences by terminal status.
	InferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jota_inferences_total",
		Help: "Completed inference exchanges by terminal status.",
	}, []string{"status"})

	// InferenceDuration observes wall time from infer frame to terminal frame.
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jota_inference_duration_seconds",
		Help:    "Duration of inference exchanges.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// TokensStreamedTotal counts token frames relayed to callers.
	TokensStreamedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jota_tokens_streamed_total",
		Help: "Token fragments streamed to callers.",
	})

	// ActiveStreams tracks inferences currently consuming a delivery channel.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jota_active_streams",
		Help: "Inference streams currently in flight on this instance.",
	})

	// StoreErrorsTotal counts swallowed conversation store failures by operation.
	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jota_store_errors_total",
		Help: "Conversation store failures that were logged and swallowed.",
	}, []string{"operation"})
)

// Inference terminal status label values.
const (
	StatusCompleted   = "completed"
	StatusEngineError = "engine_error"
	StatusInterrupted = "interrupted"
	StatusTimeout     = "timeout"
)
