package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active",
		Help: "Number of live voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_total",
		Help: "Total number of voice sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{5, 30, 60, 120, 300, 600, 1800},
	})

	sessionEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_ends_total",
		Help: "Voice sessions ended, by reason",
	}, []string{"reason"})

	// Segmentation metrics
	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_utterances_total",
		Help: "Utterances finalized or discarded by the segmenter",
	}, []string{"outcome"}) // outcome: final, discarded

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_interruptions_total",
		Help: "Replies cut off by user barge-in",
	})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_frames_dropped_total",
		Help: "Inbound audio frames dropped before classification",
	}, []string{"reason"}) // reason: duplicate, out_of_order, malformed, overload

	bufferEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_buffer_evictions_total",
		Help: "Frames evicted because the frame buffer exceeded its byte ceiling",
	})

	// Pipeline stage latency
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_session_stage_latency_seconds",
		Help:    "Latency of collaborator stages in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"}) // stage: transcription, first_token, synthesis, first_audio

	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_stage_requests_total",
		Help: "Collaborator calls by stage and status",
	}, []string{"stage", "status"})

	responseUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_response_units_total",
		Help: "Response units by terminal state",
	}, []string{"state"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio and wire metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	wsMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_ws_messages_total",
		Help: "Wire protocol messages by direction and type",
	}, []string{"direction", "type"})
)

// Metrics records metrics for a single session. All methods are safe for
// concurrent use; the underlying collectors are process-wide.
type Metrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd(reason string) {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
	sessionEnds.WithLabelValues(reason).Inc()
}

// RecordUtterance records a segmenter outcome ("final" or "discarded").
func (m *Metrics) RecordUtterance(outcome string) {
	utterances.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordInterruption() {
	interruptions.Inc()
}

func (m *Metrics) RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBufferEvictions(n int) {
	if n > 0 {
		bufferEvictions.Add(float64(n))
	}
}

// RecordStage records latency and outcome of one collaborator call.
func (m *Metrics) RecordStage(stage string, started time.Time, success bool) {
	stageLatency.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordLatency records a latency-only observation such as time to first audio.
func (m *Metrics) RecordLatency(stage string, d time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordUnit(state string) {
	responseUnits.WithLabelValues(state).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordMessage counts one wire protocol message.
func RecordMessage(direction, msgType string) {
	wsMessages.WithLabelValues(direction, msgType).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
