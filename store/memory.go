package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/promptloom/promptloom/internal/apperr"
)

// Memory keeps everything in process. It backs tests and database-less
// development runs, and must stay behaviorally identical to Postgres.
type Memory struct {
	mu sync.RWMutex

	projects        map[int64]*Project
	tasks           map[int64]*Task
	implementations map[int64]*Implementation
	traces          map[int64]*Trace
	httpTraces      map[int64]*HTTPTrace
	graders         map[int64]*Grader
	evalConfigs     map[int64]*EvaluationConfig
	executions      map[int64]*Execution

	nextID map[string]int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:        make(map[int64]*Project),
		tasks:           make(map[int64]*Task),
		implementations: make(map[int64]*Implementation),
		traces:          make(map[int64]*Trace),
		httpTraces:      make(map[int64]*HTTPTrace),
		graders:         make(map[int64]*Grader),
		evalConfigs:     make(map[int64]*EvaluationConfig),
		executions:      make(map[int64]*Execution),
		nextID:          make(map[string]int64),
	}
}

func (s *Memory) id(kind string) int64 {
	s.nextID[kind]++
	return s.nextID[kind]
}

func (s *Memory) Close() error { return nil }

// Projects

func (s *Memory) CreateProject(ctx context.Context, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return nil, ErrConflict
		}
	}
	p := &Project{ID: s.id("project"), Name: name, CreatedAt: time.Now()}
	s.projects[p.ID] = p
	return cloneProject(p), nil
}

func (s *Memory) GetOrCreateProject(ctx context.Context, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return cloneProject(p), nil
		}
	}
	p := &Project{ID: s.id("project"), Name: name, CreatedAt: time.Now()}
	s.projects[p.ID] = p
	return cloneProject(p), nil
}

func (s *Memory) GetProject(ctx context.Context, id int64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProject(p), nil
}

func (s *Memory) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Name == name {
			return cloneProject(p), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ListProjects(ctx context.Context) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	sortByID(out, func(p *Project) int64 { return p.ID })
	return out, nil
}

// Tasks

func (s *Memory) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[t.ProjectID]; !ok {
		return ErrNotFound
	}
	t.ID = s.id("task")
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Memory) GetTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *Memory) ListTasks(ctx context.Context, projectID int64) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, cloneTask(t))
		}
	}
	sortByID(out, func(t *Task) int64 { return t.ID })
	return out, nil
}

func (s *Memory) UpdateTask(ctx context.Context, id int64, upd TaskUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Description != nil {
		t.Description = upd.Description
	}
	t.UpdatedAt = time.Now()
	return cloneTask(t), nil
}

func (s *Memory) SetProductionVersion(ctx context.Context, taskID, implementationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	impl, ok := s.implementations[implementationID]
	if !ok {
		return ErrNotFound
	}
	if impl.TaskID != taskID {
		return apperr.BadRequest("implementation %d does not belong to task %d", implementationID, taskID)
	}
	t.ProductionVersionID = &implementationID
	t.UpdatedAt = time.Now()
	return nil
}

// Implementations

func (s *Memory) CreateImplementation(ctx context.Context, impl *Implementation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[impl.TaskID]; !ok {
		return ErrNotFound
	}
	impl.ID = s.id("implementation")
	impl.CreatedAt = time.Now()
	s.implementations[impl.ID] = cloneImplementation(impl)
	return nil
}

func (s *Memory) GetImplementation(ctx context.Context, id int64) (*Implementation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	impl, ok := s.implementations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneImplementation(impl), nil
}

func (s *Memory) ListImplementations(ctx context.Context, projectID int64, model string) ([]*Implementation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Implementation
	for _, impl := range s.implementations {
		task, ok := s.tasks[impl.TaskID]
		if !ok || task.ProjectID != projectID {
			continue
		}
		if model != "" && impl.Model != model {
			continue
		}
		out = append(out, cloneImplementation(impl))
	}
	sortByID(out, func(i *Implementation) int64 { return i.ID })
	return out, nil
}

func (s *Memory) ListTaskImplementations(ctx context.Context, taskID int64) ([]*Implementation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Implementation
	for _, impl := range s.implementations {
		if impl.TaskID == taskID {
			out = append(out, cloneImplementation(impl))
		}
	}
	sortByID(out, func(i *Implementation) int64 { return i.ID })
	return out, nil
}

func (s *Memory) DeleteImplementation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.implementations[id]; !ok {
		return ErrNotFound
	}
	for execID, e := range s.executions {
		if e.ImplementationID != nil && *e.ImplementationID == id {
			delete(s.executions, execID)
		}
	}
	for _, tr := range s.traces {
		if tr.ImplementationID != nil && *tr.ImplementationID == id {
			tr.ImplementationID = nil
			tr.PromptVariables = nil
		}
	}
	for _, t := range s.tasks {
		if t.ProductionVersionID != nil && *t.ProductionVersionID == id {
			t.ProductionVersionID = nil
		}
	}
	for cfgID, cfg := range s.evalConfigs {
		if cfg.ImplementationID != nil && *cfg.ImplementationID == id {
			delete(s.evalConfigs, cfgID)
		}
	}
	delete(s.implementations, id)
	return nil
}

// Traces

func (s *Memory) CreateTrace(ctx context.Context, tr *Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[tr.ProjectID]; !ok {
		return ErrNotFound
	}
	if tr.ImplementationID != nil {
		if _, ok := s.implementations[*tr.ImplementationID]; !ok {
			return ErrNotFound
		}
	}
	tr.ID = s.id("trace")
	tr.CreatedAt = time.Now()
	s.traces[tr.ID] = cloneTrace(tr)
	return nil
}

func (s *Memory) GetTrace(ctx context.Context, id int64) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.traces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrace(tr), nil
}

func (s *Memory) ListTraces(ctx context.Context, f TraceFilter) ([]*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trace
	for _, tr := range s.traces {
		if f.ProjectID != nil && tr.ProjectID != *f.ProjectID {
			continue
		}
		if f.Path != nil && (tr.Path == nil || *tr.Path != *f.Path) {
			continue
		}
		if f.Unmatched && tr.ImplementationID != nil {
			continue
		}
		out = append(out, cloneTrace(tr))
	}
	sortByID(out, func(t *Trace) int64 { return t.ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) AssignImplementation(ctx context.Context, traceID, implementationID int64, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[traceID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.implementations[implementationID]; !ok {
		return ErrNotFound
	}
	tr.ImplementationID = &implementationID
	tr.PromptVariables = cloneStringMap(vars)
	return nil
}

func (s *Memory) ListUnmatchedTraces(ctx context.Context, projectID int64, path *string) ([]*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trace
	for _, tr := range s.traces {
		if tr.ProjectID != projectID || tr.ImplementationID != nil {
			continue
		}
		if !samePath(tr.Path, path) {
			continue
		}
		out = append(out, cloneTrace(tr))
	}
	sortByID(out, func(t *Trace) int64 { return t.ID })
	return out, nil
}

func (s *Memory) ListUnmatchedKeys(ctx context.Context, minCount int) ([]UnmatchedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type pathKey struct {
		projectID int64
		hasPath   bool
		path      string
	}
	agg := make(map[pathKey]*UnmatchedKey)
	for _, tr := range s.traces {
		if tr.ImplementationID != nil {
			continue
		}
		k := pathKey{projectID: tr.ProjectID}
		if tr.Path != nil {
			k.hasPath = true
			k.path = *tr.Path
		}
		entry := agg[k]
		if entry == nil {
			entry = &UnmatchedKey{ProjectID: tr.ProjectID, Path: clonePtr(tr.Path)}
			agg[k] = entry
		}
		entry.Count++
		if tr.ID > entry.MaxTraceID {
			entry.MaxTraceID = tr.ID
		}
	}

	var out []UnmatchedKey
	for _, entry := range agg {
		if entry.Count >= minCount {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].MaxTraceID < out[j].MaxTraceID
	})
	return out, nil
}

func (s *Memory) AssignCluster(ctx context.Context, task *Task, impl *Implementation, bindings map[int64]map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[task.ProjectID]; !ok {
		return ErrNotFound
	}
	// Check every member before mutating anything.
	for traceID := range bindings {
		if _, ok := s.traces[traceID]; !ok {
			return ErrNotFound
		}
	}

	now := time.Now()
	task.ID = s.id("task")
	task.CreatedAt = now
	task.UpdatedAt = now

	impl.TaskID = task.ID
	impl.ID = s.id("implementation")
	impl.CreatedAt = now

	implID := impl.ID
	task.ProductionVersionID = &implID

	s.tasks[task.ID] = cloneTask(task)
	s.implementations[impl.ID] = cloneImplementation(impl)

	for traceID, vars := range bindings {
		tr := s.traces[traceID]
		// Skip members claimed by a concurrent match instead of
		// overwriting their assignment.
		if tr.ImplementationID != nil {
			continue
		}
		tr.ImplementationID = &implID
		tr.PromptVariables = cloneStringMap(vars)
	}
	return nil
}

// HTTP traces

func (s *Memory) CreateHTTPTrace(ctx context.Context, ht *HTTPTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ht.ID = s.id("http_trace")
	ht.CreatedAt = time.Now()
	s.httpTraces[ht.ID] = cloneHTTPTrace(ht)
	return nil
}

func (s *Memory) GetHTTPTrace(ctx context.Context, id int64) (*HTTPTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ht, ok := s.httpTraces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneHTTPTrace(ht), nil
}

// Graders

func (s *Memory) CreateGrader(ctx context.Context, g *Grader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[g.ProjectID]; !ok {
		return ErrNotFound
	}
	g.ID = s.id("grader")
	g.CreatedAt = time.Now()
	s.graders[g.ID] = cloneGrader(g)
	return nil
}

func (s *Memory) GetGrader(ctx context.Context, id int64) (*Grader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGrader(g), nil
}

func (s *Memory) ListGraders(ctx context.Context, projectID int64) ([]*Grader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Grader
	for _, g := range s.graders {
		if g.ProjectID == projectID {
			out = append(out, cloneGrader(g))
		}
	}
	sortByID(out, func(g *Grader) int64 { return g.ID })
	return out, nil
}

// Evaluation configs

func (s *Memory) CreateEvaluationConfig(ctx context.Context, cfg *EvaluationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	projectID, err := s.configProjectLocked(cfg)
	if err != nil {
		return err
	}
	for _, gc := range cfg.GraderConfigs {
		g, ok := s.graders[gc.GraderID]
		if !ok {
			return ErrNotFound
		}
		if g.ProjectID != projectID {
			return apperr.BadRequest("grader %d belongs to project %d, not %d", gc.GraderID, g.ProjectID, projectID)
		}
	}

	cfg.ID = s.id("evaluation_config")
	cfg.CreatedAt = time.Now()
	s.evalConfigs[cfg.ID] = cloneEvaluationConfig(cfg)
	return nil
}

// configProjectLocked resolves the project a config's target lives in.
func (s *Memory) configProjectLocked(cfg *EvaluationConfig) (int64, error) {
	if cfg.TaskID != nil {
		t, ok := s.tasks[*cfg.TaskID]
		if !ok {
			return 0, ErrNotFound
		}
		return t.ProjectID, nil
	}
	impl, ok := s.implementations[*cfg.ImplementationID]
	if !ok {
		return 0, ErrNotFound
	}
	t, ok := s.tasks[impl.TaskID]
	if !ok {
		return 0, ErrNotFound
	}
	return t.ProjectID, nil
}

func (s *Memory) ResolveEvaluationConfig(ctx context.Context, implementationID int64) (*EvaluationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	impl, ok := s.implementations[implementationID]
	if !ok {
		return nil, ErrNotFound
	}
	var taskLevel *EvaluationConfig
	for _, cfg := range s.evalConfigs {
		if cfg.ImplementationID != nil && *cfg.ImplementationID == implementationID {
			return cloneEvaluationConfig(cfg), nil
		}
		if cfg.TaskID != nil && *cfg.TaskID == impl.TaskID {
			if taskLevel == nil || cfg.ID < taskLevel.ID {
				taskLevel = cfg
			}
		}
	}
	if taskLevel != nil {
		return cloneEvaluationConfig(taskLevel), nil
	}
	return nil, ErrNotFound
}

// Executions

func (s *Memory) CreateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graders[e.GraderID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.traces[e.TraceID]; !ok {
		return ErrNotFound
	}
	e.ID = s.id("execution")
	e.CreatedAt = time.Now()
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *Memory) UpdateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return ErrNotFound
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *Memory) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(e), nil
}

func (s *Memory) ListTraceExecutions(ctx context.Context, traceID int64) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.executions {
		if e.TraceID == traceID {
			out = append(out, cloneExecution(e))
		}
	}
	sortByID(out, func(e *Execution) int64 { return e.ID })
	return out, nil
}

// helpers

func sortByID[T any](items []*T, id func(*T) int64) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}

func samePath(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneProject(p *Project) *Project {
	clone := *p
	return &clone
}

func cloneTask(t *Task) *Task {
	clone := *t
	clone.Path = clonePtr(t.Path)
	clone.Description = clonePtr(t.Description)
	clone.ProductionVersionID = clonePtr(t.ProductionVersionID)
	return &clone
}

func cloneImplementation(impl *Implementation) *Implementation {
	clone := *impl
	clone.Temperature = clonePtr(impl.Temperature)
	clone.Tools = append(impl.Tools[:0:0], impl.Tools...)
	clone.Reasoning = cloneAnyMap(impl.Reasoning)
	return &clone
}

func cloneTrace(tr *Trace) *Trace {
	clone := *tr
	clone.ImplementationID = clonePtr(tr.ImplementationID)
	clone.HTTPTraceID = clonePtr(tr.HTTPTraceID)
	clone.Path = clonePtr(tr.Path)
	clone.CompletedAt = clonePtr(tr.CompletedAt)
	clone.Instructions = clonePtr(tr.Instructions)
	clone.Prompt = clonePtr(tr.Prompt)
	clone.Temperature = clonePtr(tr.Temperature)
	clone.MaxOutputTokens = clonePtr(tr.MaxOutputTokens)
	clone.PromptTokens = clonePtr(tr.PromptTokens)
	clone.CompletionTokens = clonePtr(tr.CompletionTokens)
	clone.TotalTokens = clonePtr(tr.TotalTokens)
	clone.CachedTokens = clonePtr(tr.CachedTokens)
	clone.ReasoningTokens = clonePtr(tr.ReasoningTokens)
	clone.FinishReason = clonePtr(tr.FinishReason)
	clone.SystemFingerprint = clonePtr(tr.SystemFingerprint)
	clone.Result = clonePtr(tr.Result)
	clone.Error = clonePtr(tr.Error)
	clone.InputItems = append(tr.InputItems[:0:0], tr.InputItems...)
	clone.Output = append(tr.Output[:0:0], tr.Output...)
	clone.Tools = append(tr.Tools[:0:0], tr.Tools...)
	clone.PromptVariables = cloneStringMap(tr.PromptVariables)
	clone.TraceMetadata = cloneAnyMap(tr.TraceMetadata)
	clone.Reasoning = cloneAnyMap(tr.Reasoning)
	clone.ResponseSchema = cloneAnyMap(tr.ResponseSchema)
	return &clone
}

func cloneHTTPTrace(ht *HTTPTrace) *HTTPTrace {
	clone := *ht
	clone.RequestBody = append(ht.RequestBody[:0:0], ht.RequestBody...)
	clone.ResponseBody = append(ht.ResponseBody[:0:0], ht.ResponseBody...)
	clone.RequestHeaders = cloneStringMap(ht.RequestHeaders)
	clone.ResponseHeaders = cloneStringMap(ht.ResponseHeaders)
	clone.Metadata = cloneAnyMap(ht.Metadata)
	clone.CompletedAt = clonePtr(ht.CompletedAt)
	clone.Error = clonePtr(ht.Error)
	return &clone
}

func cloneGrader(g *Grader) *Grader {
	clone := *g
	return &clone
}

func cloneEvaluationConfig(cfg *EvaluationConfig) *EvaluationConfig {
	clone := *cfg
	clone.TaskID = clonePtr(cfg.TaskID)
	clone.ImplementationID = clonePtr(cfg.ImplementationID)
	clone.GraderConfigs = append(cfg.GraderConfigs[:0:0], cfg.GraderConfigs...)
	return &clone
}

func cloneExecution(e *Execution) *Execution {
	clone := *e
	clone.ImplementationID = clonePtr(e.ImplementationID)
	clone.Score = clonePtr(e.Score)
	clone.Reasoning = clonePtr(e.Reasoning)
	clone.Error = clonePtr(e.Error)
	clone.CompletedAt = clonePtr(e.CompletedAt)
	return &clone
}
