package grouping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/internal/metrics"
	"github.com/promptloom/promptloom/naming"
	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/template"
)

const tracerName = "github.com/promptloom/promptloom/grouping"

// WorkerConfig tunes the grouping worker.
type WorkerConfig struct {
	// MinClusterSize is the smallest number of unmatched traces in a
	// scope worth grouping at all.
	MinClusterSize int

	// MinMatchingTraces is the smallest cluster the grouper may emit,
	// and the minimum number of traces with extractable instructions.
	MinMatchingTraces int

	// MinSegmentWords is the anchor length threshold for template
	// inference, in word tokens.
	MinSegmentWords int

	// DefaultMaxOutputTokens is used when the representative trace
	// carries no max token setting.
	DefaultMaxOutputTokens int

	// PollTimeout is how long a dequeue blocks before re-checking
	// shutdown.
	PollTimeout time.Duration

	// NamingTimeout bounds the asynchronous task naming call.
	NamingTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = 2
	}
	if c.MinMatchingTraces <= 0 {
		c.MinMatchingTraces = 2
	}
	if c.MinSegmentWords <= 0 {
		c.MinSegmentWords = 3
	}
	if c.DefaultMaxOutputTokens <= 0 {
		c.DefaultMaxOutputTokens = 1000
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.NamingTimeout <= 0 {
		c.NamingTimeout = 15 * time.Second
	}
	return c
}

// Worker is the single consumer of the grouping queue. Per request it
// loads the scope's unmatched traces, clusters their instructions into
// templates, persists one task and implementation per cluster, and
// back-assigns the clustered traces.
type Worker struct {
	store   store.Store
	queue   *Queue
	cfg     WorkerConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	namer   naming.Namer

	naming sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(log *zap.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithNamer enables asynchronous LLM task naming.
func WithNamer(n naming.Namer) WorkerOption {
	return func(w *Worker) { w.namer = n }
}

// NewWorker creates a worker consuming queue against st.
func NewWorker(st store.Store, queue *Queue, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{
		store: st,
		queue: queue,
		cfg:   cfg.withDefaults(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	return w
}

// Run consumes the queue until it is closed and drained, or until ctx is
// canceled. It never returns because of a request failure.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("grouping worker started",
		zap.Int("min_cluster_size", w.cfg.MinClusterSize),
		zap.Int("min_matching_traces", w.cfg.MinMatchingTraces))

	for {
		r, err := w.queue.Dequeue(w.cfg.PollTimeout)
		switch {
		case errors.Is(err, ErrQueueClosed):
			w.log.Info("grouping worker drained")
			w.naming.Wait()
			return nil
		case errors.Is(err, ErrQueueEmpty):
			select {
			case <-ctx.Done():
				w.naming.Wait()
				return ctx.Err()
			default:
			}
			continue
		}
		w.metrics.QueueDepth.Set(float64(w.queue.Len()))
		w.Process(ctx, r)
	}
}

// Process handles one request end to end. Failures are logged and counted,
// never propagated, so a bad scope cannot take the consumer loop down.
func (w *Worker) Process(ctx context.Context, r Request) {
	defer func() {
		if rec := recover(); rec != nil {
			w.metrics.GroupingRun(metrics.GroupingError)
			w.log.Error("grouping worker panic",
				zap.Any("panic", rec),
				zap.Int64("project_id", r.ProjectID),
				zap.Stringp("path", r.Path))
		}
	}()

	if w.queue.Superseded(r) {
		w.metrics.GroupingRun(metrics.GroupingSkipped)
		w.log.Debug("grouping request superseded",
			zap.Int64("project_id", r.ProjectID),
			zap.Stringp("path", r.Path),
			zap.Int64("trace_id", r.TraceID))
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "grouping.process")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("project_id", r.ProjectID),
		attribute.String("path", pathLabel(r.Path)),
	)

	result, err := w.regroup(ctx, r)
	if err != nil {
		w.metrics.GroupingRun(metrics.GroupingError)
		w.log.Error("grouping request failed",
			zap.Error(err),
			zap.Int64("project_id", r.ProjectID),
			zap.Stringp("path", r.Path))
		return
	}
	w.metrics.GroupingRun(result)
	w.queue.ClearLatest(r)
}

// regroup runs LOADING, GROUPING, PERSISTING and ASSIGNING for one scope
// and returns the run result label.
func (w *Worker) regroup(ctx context.Context, r Request) (string, error) {
	traces, err := w.store.ListUnmatchedTraces(ctx, r.ProjectID, r.Path)
	if err != nil {
		return "", fmt.Errorf("load unmatched traces: %w", err)
	}
	if len(traces) < w.cfg.MinClusterSize {
		return metrics.GroupingNoop, nil
	}

	var prompts []string
	var owners []*store.Trace
	for _, tr := range traces {
		if tr.Instructions == nil || *tr.Instructions == "" {
			continue
		}
		prompts = append(prompts, *tr.Instructions)
		owners = append(owners, tr)
	}
	if len(prompts) < w.cfg.MinMatchingTraces {
		return metrics.GroupingNoop, nil
	}

	clusters := template.Group(prompts, w.cfg.MinSegmentWords, w.cfg.MinMatchingTraces)
	if len(clusters) == 0 {
		return metrics.GroupingNoop, nil
	}

	failed := 0
	for _, cluster := range clusters {
		if err := w.persistCluster(ctx, r, cluster, prompts, owners); err != nil {
			failed++
			w.log.Error("cluster persistence failed",
				zap.Error(err),
				zap.Int64("project_id", r.ProjectID),
				zap.String("template", snippet(cluster.Template)))
		}
	}
	if failed == len(clusters) {
		return "", fmt.Errorf("all %d clusters failed", failed)
	}
	return metrics.GroupingOK, nil
}

// persistCluster creates the task and implementation for one cluster and
// back-assigns its member traces in one transaction.
func (w *Worker) persistCluster(ctx context.Context, r Request, cluster template.Cluster, prompts []string, owners []*store.Trace) error {
	rep := owners[cluster.Indices[0]]

	bindings := make(map[int64]map[string]string, len(cluster.Indices))
	for _, idx := range cluster.Indices {
		vars, ok := template.Match(cluster.Template, prompts[idx])
		if !ok {
			// A member the template cannot bind stays unmatched for a
			// later run.
			continue
		}
		bindings[owners[idx].ID] = vars
	}
	if len(bindings) == 0 {
		return fmt.Errorf("no cluster member matches template %q", snippet(cluster.Template))
	}

	task := &store.Task{
		ProjectID: r.ProjectID,
		Path:      r.Path,
		Name:      fallbackName(r.Path, cluster.Template),
	}
	impl := &store.Implementation{
		Prompt:          cluster.Template,
		Model:           rep.Model,
		Temperature:     rep.Temperature,
		MaxOutputTokens: maxTokens(rep, w.cfg.DefaultMaxOutputTokens),
		Tools:           rep.Tools,
		ToolChoice:      rep.ToolChoice,
		Reasoning:       rep.Reasoning,
		Temp:            true,
	}
	if err := w.store.AssignCluster(ctx, task, impl, bindings); err != nil {
		return fmt.Errorf("assign cluster: %w", err)
	}

	w.metrics.TasksCreated.Inc()
	w.metrics.TracesAssigned.Add(float64(len(bindings)))
	w.log.Info("task discovered",
		zap.Int64("task_id", task.ID),
		zap.Int64("implementation_id", impl.ID),
		zap.Int("traces", len(bindings)),
		zap.String("model", impl.Model))

	w.nameTask(task.ID, cluster.Template)
	return nil
}

// nameTask upgrades the fallback name off the critical path. Failures
// leave the fallback in place.
func (w *Worker) nameTask(taskID int64, prompt string) {
	if w.namer == nil {
		return
	}
	w.naming.Add(1)
	go func() {
		defer w.naming.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.NamingTimeout)
		defer cancel()

		name, description, err := w.namer.Name(ctx, prompt)
		if err != nil {
			w.log.Warn("task naming failed", zap.Int64("task_id", taskID), zap.Error(err))
			return
		}
		upd := store.TaskUpdate{Name: &name}
		if description != "" {
			upd.Description = &description
		}
		if _, err := w.store.UpdateTask(ctx, taskID, upd); err != nil {
			w.log.Warn("task rename failed", zap.Int64("task_id", taskID), zap.Error(err))
		}
	}()
}

func maxTokens(rep *store.Trace, fallback int) int {
	if rep.MaxOutputTokens != nil && *rep.MaxOutputTokens > 0 {
		return *rep.MaxOutputTokens
	}
	return fallback
}

const fallbackNameLimit = 60

// fallbackName derives a deterministic task name from the template text
// with placeholders stripped.
func fallbackName(path *string, tmpl string) string {
	name := strings.Join(strings.Fields(template.Render(tmpl, nil)), " ")
	if utf8.RuneCountInString(name) > fallbackNameLimit {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:fallbackNameLimit]))
	}
	if name == "" {
		name = "Untitled task"
	}
	if path != nil && *path != "" {
		name = *path + ": " + name
	}
	return name
}

func pathLabel(path *string) string {
	if path == nil {
		return ""
	}
	return *path
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= 80 {
		return s
	}
	return string([]rune(s)[:80]) + "..."
}
