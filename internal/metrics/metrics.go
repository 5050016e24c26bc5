// Package metrics centralizes the Prometheus collectors for the ingestion
// pipeline, the grouping worker, and the grading executor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Grouping run results.
const (
	GroupingOK      = "ok"
	GroupingNoop    = "noop"
	GroupingSkipped = "skipped"
	GroupingError   = "error"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	// TracesIngested counts traces accepted by the ingestion service.
	// Labels: source (api|capture)
	TracesIngested *prometheus.CounterVec

	// ParseFailures counts captures the parser registry rejected.
	// Labels: provider (openai|anthropic|google|unknown)
	ParseFailures *prometheus.CounterVec

	// MatchResults counts ingest-time matcher outcomes.
	// Labels: outcome (hit|miss)
	MatchResults *prometheus.CounterVec

	// QueueDepth tracks pending grouping requests.
	QueueDepth prometheus.Gauge

	// QueueDrops counts enqueues rejected by a full queue.
	QueueDrops prometheus.Counter

	// GroupingRuns counts worker request outcomes.
	// Labels: result (ok|noop|skipped|error)
	GroupingRuns *prometheus.CounterVec

	// TasksCreated counts tasks discovered by the worker.
	TasksCreated prometheus.Counter

	// TracesAssigned counts traces back-assigned to a new implementation.
	TracesAssigned prometheus.Counter

	// GradingDispatched counts grader executions scheduled.
	GradingDispatched prometheus.Counter

	// GradingSkipped counts traces not graded.
	// Labels: reason (no_config|sampled_out)
	GradingSkipped *prometheus.CounterVec

	// Executions counts finished grader executions.
	// Labels: status (completed|failed)
	Executions *prometheus.CounterVec
}

// New creates the collectors and registers them on their own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TracesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloom_traces_ingested_total",
				Help: "Total number of traces accepted by the ingestion service",
			},
			[]string{"source"},
		),

		ParseFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloom_parse_failures_total",
				Help: "Total number of HTTP captures the parser registry rejected",
			},
			[]string{"provider"},
		),

		MatchResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloom_match_results_total",
				Help: "Total number of ingest-time template match attempts by outcome",
			},
			[]string{"outcome"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "promptloom_grouping_queue_depth",
				Help: "Current number of pending grouping requests",
			},
		),

		QueueDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptloom_grouping_queue_drops_total",
				Help: "Total number of grouping requests dropped by a full queue",
			},
		),

		GroupingRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloom_grouping_runs_total",
				Help: "Total number of grouping requests processed by result",
			},
			[]string{"result"},
		),

		TasksCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptloom_tasks_created_total",
				Help: "Total number of tasks created by the grouping worker",
			},
		),

		TracesAssigned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptloom_traces_assigned_total",
				Help: "Total number of traces back-assigned to a discovered implementation",
			},
		),

		GradingDispatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptloom_grading_dispatched_total",
				Help: "Total number of grader executions scheduled",
			},
		),

		GradingSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloom_grading_skipped_total",
				Help: "Total number of traces skipped by the grading dispatcher",
			},
			[]string{"reason"},
		),

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloom_executions_total",
				Help: "Total number of finished grader executions by status",
			},
			[]string{"status"},
		),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TraceIngested records one accepted trace.
func (m *Metrics) TraceIngested(source string) {
	m.TracesIngested.WithLabelValues(source).Inc()
}

// ParseFailure records a capture that no parser accepted or that failed
// to parse.
func (m *Metrics) ParseFailure(provider string) {
	m.ParseFailures.WithLabelValues(provider).Inc()
}

// MatchResult records an ingest-time matcher outcome.
func (m *Metrics) MatchResult(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.MatchResults.WithLabelValues(outcome).Inc()
}

// GroupingRun records one processed grouping request.
func (m *Metrics) GroupingRun(result string) {
	m.GroupingRuns.WithLabelValues(result).Inc()
}

// ExecutionFinished records a grader execution outcome.
func (m *Metrics) ExecutionFinished(status string) {
	m.Executions.WithLabelValues(status).Inc()
}
