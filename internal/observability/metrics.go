package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central Prometheus metric set for the runtime. It tracks
// agent run lifecycle, event bus throughput, tool execution, LLM calls, and
// the HTTP/database surfaces underneath them.
type Metrics struct {
	// RunsStarted counts agent runs by agent id.
	// Labels: agent_id
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts completed runs by final status and failure kind.
	// Labels: status (completed|stopped|failed), kind ("" for non-failures)
	RunsFinished *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is a gauge of currently executing runs on this instance.
	ActiveRuns prometheus.Gauge

	// RunIterations measures LLM calls per run.
	RunIterations prometheus.Histogram

	// EventsPublished counts bus events by type.
	// Labels: type
	EventsPublished *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error|retry)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ContextCompressions counts history compression passes.
	ContextCompressions prometheus.Counter

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (run|bus|tool|llm|store|gateway), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at startup; the metrics surface at /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_runs_started_total",
				Help: "Total number of agent runs started",
			},
			[]string{"agent_id"},
		),

		RunsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_runs_finished_total",
				Help: "Total number of agent runs finished by status and failure kind",
			},
			[]string{"status", "kind"},
		),

		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_run_duration_seconds",
				Help:    "Wall time of agent runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_runs",
				Help: "Number of runs currently executing on this instance",
			},
		),

		RunIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_run_iterations",
				Help:    "LLM calls per run",
				Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
			},
		),

		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_events_published_total",
				Help: "Total number of events published to the run bus by type",
			},
			[]string{"type"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),

		ContextCompressions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_context_compressions_total",
				Help: "Total number of conversation history compression passes",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_database_query_duration_seconds",
				Help:    "Duration of store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RunStarted records a run start and bumps the active gauge.
func (m *Metrics) RunStarted(agentID string) {
	m.RunsStarted.WithLabelValues(agentID).Inc()
	m.ActiveRuns.Inc()
}

// RunFinished records a run's terminal status and duration, and releases the
// active gauge. kind is empty unless status is "failed".
func (m *Metrics) RunFinished(status, kind string, durationSeconds float64, iterations int) {
	m.RunsFinished.WithLabelValues(status, kind).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
	m.RunIterations.Observe(float64(iterations))
	m.ActiveRuns.Dec()
}

// EventPublished counts one bus event.
func (m *Metrics) EventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordLLMRequest records one LLM call with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records one store query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, durationSeconds float64) {
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
