package grading

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/internal/metrics"
	"github.com/promptloom/promptloom/store"
)

const tracerName = "github.com/promptloom/promptloom/grading"

// Skip reasons for the grading_skipped metric.
const (
	skipNoConfig   = "no_config"
	skipSampledOut = "sampled_out"
)

// Dispatcher decides per matched trace whether grading happens and, when it
// does, creates one pending execution per configured grader and runs them in
// background goroutines. Ingestion only pays for the config lookup and the
// pending rows.
type Dispatcher struct {
	store   store.Store
	runner  Runner
	log     *zap.Logger
	metrics *metrics.Metrics
	random  func() float64

	jobs sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics sets the metrics sink shared with the rest of the process.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithRandom replaces the sampling source. Tests inject a deterministic
// draw; the default is the shared math/rand source.
func WithRandom(random func() float64) DispatcherOption {
	return func(d *Dispatcher) {
		if random != nil {
			d.random = random
		}
	}
}

// NewDispatcher builds a dispatcher over a store and a runner.
func NewDispatcher(st store.Store, runner Runner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		runner: runner,
		log:    zap.NewNop(),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	return d
}

// Dispatch schedules grading for one trace. The sampling decision is drawn
// exactly once per trace, before any grader is considered. Traces without
// an implementation or without an evaluation config are not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, tr *store.Trace) error {
	if tr.ImplementationID == nil {
		return nil
	}

	cfg, err := d.store.ResolveEvaluationConfig(ctx, *tr.ImplementationID)
	if errors.Is(err, store.ErrNotFound) {
		d.metrics.GradingSkipped.WithLabelValues(skipNoConfig).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve evaluation config: %w", err)
	}

	if d.random()*100 >= cfg.TraceEvaluationPercentage {
		d.metrics.GradingSkipped.WithLabelValues(skipSampledOut).Inc()
		return nil
	}

	impl, err := d.store.GetImplementation(ctx, *tr.ImplementationID)
	if err != nil {
		return fmt.Errorf("load implementation: %w", err)
	}

	for _, gc := range cfg.GraderConfigs {
		exec := &store.Execution{
			GraderID:         gc.GraderID,
			TraceID:          tr.ID,
			ImplementationID: tr.ImplementationID,
			Status:           store.ExecutionPending,
		}
		if err := d.store.CreateExecution(ctx, exec); err != nil {
			d.log.Warn("execution create failed",
				zap.Int64("trace_id", tr.ID),
				zap.Int64("grader_id", gc.GraderID),
				zap.Error(err))
			continue
		}
		d.metrics.GradingDispatched.Inc()
		d.jobs.Add(1)
		go d.run(exec, tr, impl)
	}
	return nil
}

// Wait blocks until in-flight grading jobs finish or ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one execution through running to completed or failed. It uses
// a background context so grading outlives the ingest request, and it never
// propagates failures anywhere but the execution row.
func (d *Dispatcher) run(exec *store.Execution, tr *store.Trace, impl *store.Implementation) {
	defer d.jobs.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("grading job panicked",
				zap.Int64("execution_id", exec.ID),
				zap.Any("panic", r))
		}
	}()

	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "grading.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("execution_id", exec.ID),
		attribute.Int64("trace_id", exec.TraceID),
		attribute.Int64("grader_id", exec.GraderID),
	)

	exec.Status = store.ExecutionRunning
	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		d.log.Warn("execution status update failed",
			zap.Int64("execution_id", exec.ID),
			zap.Error(err))
	}

	score, reasoning, err := d.grade(ctx, exec, tr, impl)
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err != nil {
		msg := err.Error()
		exec.Status = store.ExecutionFailed
		exec.Error = &msg
		d.log.Warn("grading failed",
			zap.Int64("execution_id", exec.ID),
			zap.Int64("grader_id", exec.GraderID),
			zap.Error(err))
	} else {
		exec.Status = store.ExecutionCompleted
		exec.Score = &score
		exec.Reasoning = &reasoning
	}

	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		d.log.Error("execution result write failed",
			zap.Int64("execution_id", exec.ID),
			zap.Error(err))
		return
	}
	d.metrics.ExecutionFinished(string(exec.Status))
}

func (d *Dispatcher) grade(ctx context.Context, exec *store.Execution, tr *store.Trace, impl *store.Implementation) (float64, string, error) {
	grader, err := d.store.GetGrader(ctx, exec.GraderID)
	if err != nil {
		return 0, "", fmt.Errorf("load grader: %w", err)
	}
	if d.runner == nil {
		return 0, "", errors.New("no grading runner configured")
	}
	return d.runner.Grade(ctx, grader, tr, impl)
}
