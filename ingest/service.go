// Package ingest runs the trace ingestion pipeline: persist a normalized
// record, best-effort match it against known implementations, hand the
// (project, path) scope to the grouping queue, and fan matched traces out to
// auto-grading. Matching, enqueueing and dispatch are all non-fatal; once
// the trace row is durable, ingestion succeeds.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/grouping"
	"github.com/promptloom/promptloom/internal/apperr"
	"github.com/promptloom/promptloom/internal/metrics"
	"github.com/promptloom/promptloom/parser"
	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/template"
	"github.com/promptloom/promptloom/trace"
)

const tracerName = "github.com/promptloom/promptloom/ingest"

// Metric labels for the two ways a trace enters the system.
const (
	sourceAPI     = "api"
	sourceCapture = "capture"
)

// Dispatcher schedules asynchronous auto-grading for a trace that ended up
// linked to an implementation. Implementations must return quickly; actual
// grading runs in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, tr *store.Trace) error
}

// Service is the ingestion pipeline. It owns no goroutines; every call runs
// on the caller's request context.
type Service struct {
	store      store.Store
	queue      *grouping.Queue
	registry   *parser.Registry
	dispatcher Dispatcher
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics sink shared with the rest of the process.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithDispatcher enables auto-grading dispatch for matched traces.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// NewService builds the pipeline over a store, a grouping queue and a parser
// registry.
func NewService(st store.Store, queue *grouping.Queue, registry *parser.Registry, opts ...Option) *Service {
	s := &Service{
		store:    st,
		queue:    queue,
		registry: registry,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Ingest persists a pre-normalized record, exactly the trace-create
// endpoint's semantics. httpTraceID links the trace back to a raw capture
// when there is one.
func (s *Service) Ingest(ctx context.Context, rec *trace.Record, httpTraceID *int64) (*store.Trace, error) {
	return s.ingest(ctx, rec, httpTraceID, sourceAPI)
}

// IngestCapture persists the raw capture, parses it and ingests the result.
// The HTTPTrace row survives a failed parse so the capture can be inspected
// and reparsed; when one was written it is returned alongside the error.
func (s *Service) IngestCapture(ctx context.Context, c *trace.Capture) (*store.Trace, *store.HTTPTrace, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.capture")
	defer span.End()

	ht := httpTraceFromCapture(c)
	if err := s.store.CreateHTTPTrace(ctx, ht); err != nil {
		return nil, nil, fmt.Errorf("persist http trace: %w", err)
	}
	span.SetAttributes(attribute.Int64("http_trace_id", ht.ID))

	rec, err := s.registry.Parse(c)
	if err != nil {
		s.metrics.ParseFailure(providerLabel(err))
		s.log.Warn("capture parse failed",
			zap.Int64("http_trace_id", ht.ID),
			zap.String("url", c.URL()),
			zap.Error(err))
		return nil, ht, apperr.Wrap(apperr.KindBadRequest, err, "parse capture")
	}

	tr, err := s.ingest(ctx, rec, &ht.ID, sourceCapture)
	if err != nil {
		return nil, ht, err
	}
	return tr, ht, nil
}

func (s *Service) ingest(ctx context.Context, rec *trace.Record, httpTraceID *int64, source string) (*store.Trace, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.trace")
	defer span.End()

	if rec.Project == "" {
		return nil, apperr.BadRequest("project name required")
	}
	if rec.Model == "" {
		return nil, apperr.BadRequest("model required")
	}
	span.SetAttributes(
		attribute.String("project", rec.Project),
		attribute.String("model", rec.Model),
	)

	project, err := s.store.GetOrCreateProject(ctx, rec.Project)
	if err != nil {
		return nil, fmt.Errorf("resolve project %q: %w", rec.Project, err)
	}

	tr := traceFromRecord(rec, project.ID, httpTraceID)
	if tr.Instructions == nil {
		if instr, ok := trace.Instructions(rec.Input); ok {
			tr.Instructions = &instr
		}
	}

	if rec.ImplementationID != nil {
		if err := s.pinImplementation(ctx, project.ID, *rec.ImplementationID, tr); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateTrace(ctx, tr); err != nil {
		return nil, fmt.Errorf("persist trace: %w", err)
	}
	s.metrics.TraceIngested(source)
	span.SetAttributes(attribute.Int64("trace_id", tr.ID))

	if tr.ImplementationID == nil {
		s.autoMatch(ctx, tr)
	}

	s.enqueueGrouping(tr)

	if tr.ImplementationID != nil && s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, tr); err != nil {
			s.log.Warn("grading dispatch failed",
				zap.Int64("trace_id", tr.ID),
				zap.Error(err))
		}
	}

	return tr, nil
}

// pinImplementation handles a record that names its implementation on the
// wire. The implementation must exist in the trace's project; the matcher
// then runs against that template alone to extract variables. A non-match
// keeps the pin with empty bindings.
func (s *Service) pinImplementation(ctx context.Context, projectID, implementationID int64, tr *store.Trace) error {
	impl, err := s.store.GetImplementation(ctx, implementationID)
	if err != nil {
		return fmt.Errorf("pinned implementation %d: %w", implementationID, err)
	}
	task, err := s.store.GetTask(ctx, impl.TaskID)
	if err != nil {
		return fmt.Errorf("pinned implementation task: %w", err)
	}
	if task.ProjectID != projectID {
		return apperr.BadRequest("implementation %d belongs to project %d, not %d",
			implementationID, task.ProjectID, projectID)
	}

	vars := map[string]string{}
	if tr.Instructions == nil {
		s.log.Warn("pinned trace has no instructions to match",
			zap.Int64("implementation_id", implementationID))
	} else if b, ok := template.Match(impl.Prompt, *tr.Instructions); ok {
		vars = b
	} else {
		s.log.Warn("pinned implementation template does not match trace instructions",
			zap.Int64("implementation_id", implementationID))
	}
	tr.ImplementationID = &impl.ID
	tr.PromptVariables = vars
	return nil
}

// autoMatch tries to link a fresh trace to an existing implementation:
// candidates are every implementation in the project with the trace's
// model, in ascending id order, and the first template that matches the
// instructions wins. Any failure here leaves the trace unmatched for the
// grouping worker.
func (s *Service) autoMatch(ctx context.Context, tr *store.Trace) {
	if tr.Instructions == nil {
		return
	}
	impls, err := s.store.ListImplementations(ctx, tr.ProjectID, tr.Model)
	if err != nil {
		s.log.Warn("implementation listing failed, trace left unmatched",
			zap.Int64("trace_id", tr.ID),
			zap.Error(err))
		return
	}
	for _, impl := range impls {
		vars, ok := template.Match(impl.Prompt, *tr.Instructions)
		if !ok {
			continue
		}
		if err := s.store.AssignImplementation(ctx, tr.ID, impl.ID, vars); err != nil {
			s.log.Warn("implementation assignment failed, trace left unmatched",
				zap.Int64("trace_id", tr.ID),
				zap.Int64("implementation_id", impl.ID),
				zap.Error(err))
			return
		}
		tr.ImplementationID = &impl.ID
		tr.PromptVariables = vars
		s.metrics.MatchResult(true)
		s.log.Debug("trace matched implementation",
			zap.Int64("trace_id", tr.ID),
			zap.Int64("implementation_id", impl.ID))
		return
	}
	s.metrics.MatchResult(false)
}

// enqueueGrouping hands the trace's scope to the grouping queue. Drops and
// shutdown races are logged and swallowed; the sweeper re-covers the scope.
func (s *Service) enqueueGrouping(tr *store.Trace) {
	err := s.queue.Enqueue(grouping.Request{
		ProjectID: tr.ProjectID,
		Path:      tr.Path,
		TraceID:   tr.ID,
	})
	if err == nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		return
	}
	if errors.Is(err, grouping.ErrQueueFull) {
		s.metrics.QueueDrops.Inc()
	}
	s.log.Warn("grouping enqueue failed",
		zap.Int64("trace_id", tr.ID),
		zap.Stringp("path", tr.Path),
		zap.Error(err))
}

func traceFromRecord(rec *trace.Record, projectID int64, httpTraceID *int64) *store.Trace {
	tr := &store.Trace{
		ProjectID:         projectID,
		HTTPTraceID:       httpTraceID,
		Path:              rec.Path,
		Model:             rec.Model,
		StartedAt:         rec.StartedAt,
		CompletedAt:       rec.CompletedAt,
		InputItems:        rec.Input,
		Output:            rec.Output,
		Instructions:      rec.Instructions,
		Prompt:            rec.Prompt,
		Temperature:       rec.Temperature,
		MaxOutputTokens:   rec.MaxOutputTokens,
		ToolChoice:        rec.ToolChoice,
		Tools:             rec.Tools,
		PromptTokens:      rec.PromptTokens,
		CompletionTokens:  rec.CompletionTokens,
		TotalTokens:       rec.TotalTokens,
		CachedTokens:      rec.CachedTokens,
		ReasoningTokens:   rec.ReasoningTokens,
		FinishReason:      rec.FinishReason,
		SystemFingerprint: rec.SystemFingerprint,
		Reasoning:         rec.Reasoning,
		ResponseSchema:    rec.ResponseSchema,
		Result:            rec.Result,
		Error:             rec.Error,
		TraceMetadata:     rec.TraceMetadata,
	}
	if tr.StartedAt.IsZero() {
		tr.StartedAt = time.Now().UTC()
	}
	return tr
}

func httpTraceFromCapture(c *trace.Capture) *store.HTTPTrace {
	ht := &store.HTTPTrace{
		Method:          c.Method,
		RequestPath:     c.RequestPath,
		StatusCode:      c.StatusCode,
		RequestBody:     c.RequestBody,
		ResponseBody:    c.ResponseBody,
		RequestHeaders:  c.RequestHeaders,
		ResponseHeaders: c.ResponseHeaders,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		Metadata:        c.Metadata,
	}
	if ht.StartedAt.IsZero() {
		ht.StartedAt = time.Now().UTC()
	}
	if c.Error != "" {
		e := c.Error
		ht.Error = &e
	}
	return ht
}

func providerLabel(err error) string {
	var malformed *parser.MalformedRequestError
	if errors.As(err, &malformed) {
		return malformed.Provider
	}
	return "unknown"
}
