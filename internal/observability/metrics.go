package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the gateway.
//
// Turn flow, LLM latency, tool execution, scheduler pressure, and event-bus
// drops are all tracked so capacity problems show up before users notice.
type Metrics struct {
	// TurnCounter counts turns by terminal state.
	// Labels: state (committed|aborted|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall time of a full turn in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequestDuration measures provider call latency.
	// Labels: model, status (success|error)
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// QueueDepth gauges pending work items per session queue, summed.
	QueueDepth prometheus.Gauge

	// QueueRejections counts enqueue attempts rejected with Busy.
	// Labels: reason (queue_full|pool_saturated)
	QueueRejections *prometheus.CounterVec

	// BusDropped counts event-bus mailbox overflow drops.
	BusDropped prometheus.Counter

	// MemoryIngestCounter counts memory ingest outcomes.
	// Labels: status (saved|skipped|error|dropped)
	MemoryIngestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on the given registerer. The gateway
// runtime passes its own registry, the one served at /metrics; tests pass a
// fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_turns_total",
			Help: "Turns by terminal state.",
		}, []string{"state"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "promethea_turn_duration_seconds",
			Help:    "Wall time of a complete turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promethea_llm_request_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model", "status"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promethea_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool_name"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "promethea_scheduler_queue_depth",
			Help: "Total queued work items across session queues.",
		}),
		QueueRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_scheduler_rejections_total",
			Help: "Enqueues rejected with Busy.",
		}, []string{"reason"}),
		BusDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "promethea_bus_dropped_events_total",
			Help: "Events dropped by subscriber mailbox overflow.",
		}),
		MemoryIngestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_memory_ingest_total",
			Help: "Memory ingest outcomes.",
		}, []string{"status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promethea_http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}
