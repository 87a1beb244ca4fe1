package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the assistant core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// ToolExecutions counts finished tool calls.
	// Labels: tool_id, outcome (completed|failed|rejected)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool dispatch time in seconds.
	// Labels: tool_id
	ToolDuration *prometheus.HistogramVec

	// QueueRunning and QueueWaiting track the concurrency queue.
	QueueRunning prometheus.Gauge
	QueueWaiting prometheus.Gauge

	// QueueTasks counts queue transitions.
	// Labels: kind (tool|pipeline), status
	QueueTasks *prometheus.CounterVec

	// HealthStatus is 1 for the current backend status label, 0 otherwise.
	HealthStatus *prometheus.GaugeVec

	// StreamEvents counts streaming coordinator events by type.
	StreamEvents *prometheus.CounterVec

	// ApprovalDecisions counts resolved pending actions.
	// Labels: decision (approved|rejected), effect (ok|failed|none)
	ApprovalDecisions *prometheus.CounterVec

	// TelemetryDropped counts telemetry events dropped by backpressure.
	TelemetryDropped prometheus.Counter

	// SidecarRequests counts sidecar HTTP calls.
	// Labels: endpoint, status (ok|error|circuit_open)
	SidecarRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ToolExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextkit_tool_executions_total",
				Help: "Total number of tool executions by tool id and outcome",
			},
			[]string{"tool_id", "outcome"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contextkit_tool_duration_seconds",
				Help:    "Duration of tool dispatch in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_id"},
		),
		QueueRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "contextkit_queue_running",
			Help: "Tasks currently running in the concurrency queue",
		}),
		QueueWaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "contextkit_queue_waiting",
			Help: "Tasks waiting in the concurrency queue",
		}),
		QueueTasks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextkit_queue_transitions_total",
				Help: "Queue task transitions by kind and status",
			},
			[]string{"kind", "status"},
		),
		HealthStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contextkit_backend_health",
				Help: "Backend health status (1 for the current status)",
			},
			[]string{"status"},
		),
		StreamEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextkit_stream_events_total",
				Help: "Streaming coordinator events by type",
			},
			[]string{"type"},
		),
		ApprovalDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextkit_approval_decisions_total",
				Help: "Resolved pending actions by decision and side effect outcome",
			},
			[]string{"decision", "effect"},
		),
		TelemetryDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "contextkit_telemetry_dropped_total",
			Help: "Telemetry events dropped before persistence",
		}),
		SidecarRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextkit_sidecar_requests_total",
				Help: "Sidecar requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
	}
}

// ToolFinished records a tool outcome and its duration.
func (m *Metrics) ToolFinished(toolID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(toolID, outcome).Inc()
	if d > 0 {
		m.ToolDuration.WithLabelValues(toolID).Observe(d.Seconds())
	}
}

// QueueTransition records a queue transition and the current depth.
func (m *Metrics) QueueTransition(kind, status string, running, waiting int) {
	if m == nil {
		return
	}
	m.QueueTasks.WithLabelValues(kind, status).Inc()
	m.QueueRunning.Set(float64(running))
	m.QueueWaiting.Set(float64(waiting))
}

// SetHealth marks status as the current backend health.
func (m *Metrics) SetHealth(status string) {
	if m == nil {
		return
	}
	for _, s := range []string{"healthy", "degraded", "unhealthy"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.HealthStatus.WithLabelValues(s).Set(v)
	}
}

// StreamEvent counts one streaming event.
func (m *Metrics) StreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

// ApprovalResolved counts one approval decision.
func (m *Metrics) ApprovalResolved(decision, effect string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision, effect).Inc()
}

// TelemetryDrop counts one dropped telemetry event.
func (m *Metrics) TelemetryDrop() {
	if m == nil {
		return
	}
	m.TelemetryDropped.Inc()
}

// SidecarRequest counts one sidecar call.
func (m *Metrics) SidecarRequest(endpoint, status string) {
	if m == nil {
		return
	}
	m.SidecarRequests.WithLabelValues(endpoint, status).Inc()
}
