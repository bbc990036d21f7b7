package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TurnEvents        *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	GuardrailBlocks   *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	DocumentUploads   *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	TurnStageLatency  *prometheus.HistogramVec
	DebounceMS        prometheus.Gauge

	turnStageWindow *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn state machine transitions by edge.",
		}, []string{"from", "to"}),
		GuardrailBlocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_blocks_total",
			Help:      "Guardrail violations by kind.",
		}, []string{"violation"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DocumentUploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_uploads_total",
			Help:      "Document upload outcomes.",
		}, []string{"result"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from speech end to first agent audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn-stage latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 150, 250, 400, 700, 1200, 2000, 4000, 7000, 10000},
		}, []string{"stage"}),
		DebounceMS: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "silence_debounce_ms",
			Help:      "Current adaptive silence debounce in milliseconds (last session to adapt wins).",
		}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.FirstAudioLatency.Observe(ms)
	m.turnStageWindow.Observe("first_audio", ms)
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.ObserveIndicator(name)
}

// SnapshotTurnStages exposes the sliding-window latency view used by the
// telemetry endpoint and the persisted snapshots.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m.turnStageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStageWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
