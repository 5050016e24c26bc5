package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom/internal/apperr"
	"github.com/promptloom/promptloom/trace"
)

func ptr[T any](v T) *T { return &v }

func seedProject(t *testing.T, s *Memory, name string) *Project {
	t.Helper()
	p, err := s.GetOrCreateProject(context.Background(), name)
	require.NoError(t, err)
	return p
}

func seedTask(t *testing.T, s *Memory, projectID int64, name string) *Task {
	t.Helper()
	task := &Task{ProjectID: projectID, Name: name}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func seedImplementation(t *testing.T, s *Memory, taskID int64, model string) *Implementation {
	t.Helper()
	impl := &Implementation{TaskID: taskID, Prompt: "Summarize {{text}}", Model: model, MaxOutputTokens: 1024}
	require.NoError(t, s.CreateImplementation(context.Background(), impl))
	return impl
}

func newTestTrace(projectID int64, path *string) *Trace {
	return &Trace{
		ProjectID: projectID,
		Path:      path,
		Model:     "gpt-4o",
		StartedAt: time.Now(),
		InputItems: []trace.InputItem{
			{Type: trace.ItemMessage, Role: trace.RoleUser, Content: "hi"},
		},
	}
}

func TestMemoryProjects(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	p1, err := s.CreateProject(ctx, "support-bot")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.ID)

	_, err = s.CreateProject(ctx, "support-bot")
	assert.ErrorIs(t, err, ErrConflict)

	same, err := s.GetOrCreateProject(ctx, "support-bot")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, same.ID)

	p2, err := s.GetOrCreateProject(ctx, "search")
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)

	byName, err := s.GetProjectByName(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, p2.ID, byName.ID)

	_, err = s.GetProject(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "support-bot", all[0].Name)
	assert.Equal(t, "search", all[1].Name)
}

func TestMemoryTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")

	err := s.CreateTask(ctx, &Task{ProjectID: 99, Name: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	task := seedTask(t, s, p.ID, "Summarize ticket")
	assert.NotZero(t, task.ID)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Summarize ticket", got.Name)

	updated, err := s.UpdateTask(ctx, task.ID, TaskUpdate{Name: ptr("Ticket summary")})
	require.NoError(t, err)
	assert.Equal(t, "Ticket summary", updated.Name)
	assert.Nil(t, updated.Description)

	updated, err = s.UpdateTask(ctx, task.ID, TaskUpdate{Description: ptr("Condenses tickets")})
	require.NoError(t, err)
	assert.Equal(t, "Ticket summary", updated.Name)
	require.NotNil(t, updated.Description)
	assert.Equal(t, "Condenses tickets", *updated.Description)

	_, err = s.UpdateTask(ctx, 42, TaskUpdate{Name: ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySetProductionVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	task := seedTask(t, s, p.ID, "Summarize ticket")
	other := seedTask(t, s, p.ID, "Classify ticket")
	impl := seedImplementation(t, s, task.ID, "gpt-4o")

	require.NoError(t, s.SetProductionVersion(ctx, task.ID, impl.ID))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProductionVersionID)
	assert.Equal(t, impl.ID, *got.ProductionVersionID)

	err = s.SetProductionVersion(ctx, other.ID, impl.ID)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	assert.ErrorIs(t, s.SetProductionVersion(ctx, task.ID, 99), ErrNotFound)
	assert.ErrorIs(t, s.SetProductionVersion(ctx, 99, impl.ID), ErrNotFound)
}

func TestMemoryListImplementations(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	other := seedProject(t, s, "search")
	t1 := seedTask(t, s, p.ID, "Summarize")
	t2 := seedTask(t, s, p.ID, "Classify")
	t3 := seedTask(t, s, other.ID, "Rank")

	a := seedImplementation(t, s, t1.ID, "gpt-4o")
	b := seedImplementation(t, s, t2.ID, "claude-sonnet-4-0")
	c := seedImplementation(t, s, t1.ID, "gpt-4o")
	seedImplementation(t, s, t3.ID, "gpt-4o")

	all, err := s.ListImplementations(ctx, p.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	gpt, err := s.ListImplementations(ctx, p.ID, "gpt-4o")
	require.NoError(t, err)
	require.Len(t, gpt, 2)
	assert.Equal(t, a.ID, gpt[0].ID)
	assert.Equal(t, c.ID, gpt[1].ID)

	byTask, err := s.ListTaskImplementations(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, byTask, 2)
}

func TestMemoryDeleteImplementationCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	task := seedTask(t, s, p.ID, "Summarize")
	impl := seedImplementation(t, s, task.ID, "gpt-4o")
	require.NoError(t, s.SetProductionVersion(ctx, task.ID, impl.ID))

	tr := newTestTrace(p.ID, nil)
	require.NoError(t, s.CreateTrace(ctx, tr))
	require.NoError(t, s.AssignImplementation(ctx, tr.ID, impl.ID, map[string]string{"text": "hello"}))

	grader := &Grader{ProjectID: p.ID, Name: "accuracy", Prompt: "Grade {{var_output}}", Model: "gpt-4o"}
	require.NoError(t, s.CreateGrader(ctx, grader))
	exec := &Execution{GraderID: grader.ID, TraceID: tr.ID, ImplementationID: &impl.ID}
	require.NoError(t, s.CreateExecution(ctx, exec))

	cfg := &EvaluationConfig{
		ImplementationID:          &impl.ID,
		GraderConfigs:             []GraderConfig{{GraderID: grader.ID, Weight: 1}},
		TraceEvaluationPercentage: 100,
	}
	require.NoError(t, s.CreateEvaluationConfig(ctx, cfg))

	require.NoError(t, s.DeleteImplementation(ctx, impl.ID))

	_, err := s.GetImplementation(ctx, impl.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	unlinked, err := s.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, unlinked.ImplementationID)
	assert.Nil(t, unlinked.PromptVariables)

	cleared, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.ProductionVersionID)

	_, err = s.GetExecution(ctx, exec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ResolveEvaluationConfig(ctx, impl.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteImplementation(ctx, impl.ID), ErrNotFound)
}

func TestMemoryTraceFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	other := seedProject(t, s, "search")
	task := seedTask(t, s, p.ID, "Summarize")
	impl := seedImplementation(t, s, task.ID, "gpt-4o")

	checkout := ptr("checkout")
	t1 := newTestTrace(p.ID, checkout)
	t2 := newTestTrace(p.ID, nil)
	t3 := newTestTrace(other.ID, checkout)
	for _, tr := range []*Trace{t1, t2, t3} {
		require.NoError(t, s.CreateTrace(ctx, tr))
	}
	require.NoError(t, s.AssignImplementation(ctx, t1.ID, impl.ID, nil))

	byProject, err := s.ListTraces(ctx, TraceFilter{ProjectID: &p.ID})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byPath, err := s.ListTraces(ctx, TraceFilter{Path: checkout})
	require.NoError(t, err)
	assert.Len(t, byPath, 2)

	unmatched, err := s.ListTraces(ctx, TraceFilter{ProjectID: &p.ID, Unmatched: true})
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, t2.ID, unmatched[0].ID)

	limited, err := s.ListTraces(ctx, TraceFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")

	tr := newTestTrace(p.ID, ptr("checkout"))
	tr.TraceMetadata = map[string]any{"env": "prod"}
	require.NoError(t, s.CreateTrace(ctx, tr))

	got, err := s.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	got.Model = "mutated"
	got.TraceMetadata["env"] = "mutated"
	*got.Path = "mutated"

	again, err := s.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", again.Model)
	assert.Equal(t, "prod", again.TraceMetadata["env"])
	assert.Equal(t, "checkout", *again.Path)
}

func TestMemoryUnmatchedPathsAreDistinct(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")

	// nil path and empty-string path are separate grouping keys.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTrace(ctx, newTestTrace(p.ID, nil)))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateTrace(ctx, newTestTrace(p.ID, ptr(""))))
	}
	require.NoError(t, s.CreateTrace(ctx, newTestTrace(p.ID, ptr("checkout"))))

	nilPath, err := s.ListUnmatchedTraces(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Len(t, nilPath, 3)

	emptyPath, err := s.ListUnmatchedTraces(ctx, p.ID, ptr(""))
	require.NoError(t, err)
	assert.Len(t, emptyPath, 2)

	keys, err := s.ListUnmatchedKeys(ctx, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Nil(t, keys[0].Path)
	assert.Equal(t, 3, keys[0].Count)
	assert.Equal(t, int64(3), keys[0].MaxTraceID)
	require.NotNil(t, keys[1].Path)
	assert.Equal(t, "", *keys[1].Path)

	all, err := s.ListUnmatchedKeys(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryAssignCluster(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")

	t1 := newTestTrace(p.ID, nil)
	t2 := newTestTrace(p.ID, nil)
	require.NoError(t, s.CreateTrace(ctx, t1))
	require.NoError(t, s.CreateTrace(ctx, t2))

	task := &Task{ProjectID: p.ID, Name: "Summarize the ticket"}
	impl := &Implementation{Prompt: "Summarize the ticket from {{customer}}", Model: "gpt-4o", MaxOutputTokens: 4096, Temp: true}
	bindings := map[int64]map[string]string{
		t1.ID: {"customer": "Acme"},
		t2.ID: {"customer": "Globex"},
	}
	require.NoError(t, s.AssignCluster(ctx, task, impl, bindings))

	assert.NotZero(t, task.ID)
	assert.Equal(t, task.ID, impl.TaskID)
	require.NotNil(t, task.ProductionVersionID)
	assert.Equal(t, impl.ID, *task.ProductionVersionID)

	got, err := s.GetTrace(ctx, t1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ImplementationID)
	assert.Equal(t, impl.ID, *got.ImplementationID)
	assert.Equal(t, map[string]string{"customer": "Acme"}, got.PromptVariables)

	// A missing member aborts before any writes.
	before, err := s.ListTasks(ctx, p.ID)
	require.NoError(t, err)
	err = s.AssignCluster(ctx, &Task{ProjectID: p.ID, Name: "x"}, &Implementation{Model: "gpt-4o"}, map[int64]map[string]string{99: nil})
	assert.ErrorIs(t, err, ErrNotFound)
	after, err := s.ListTasks(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestMemoryAssignClusterSkipsClaimedTraces(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	task := seedTask(t, s, p.ID, "existing")
	existing := seedImplementation(t, s, task.ID, "gpt-4o")

	tr := newTestTrace(p.ID, nil)
	require.NoError(t, s.CreateTrace(ctx, tr))
	require.NoError(t, s.AssignImplementation(ctx, tr.ID, existing.ID, nil))

	clusterTask := &Task{ProjectID: p.ID, Name: "new cluster"}
	clusterImpl := &Implementation{Prompt: "p", Model: "gpt-4o", MaxOutputTokens: 4096}
	require.NoError(t, s.AssignCluster(ctx, clusterTask, clusterImpl, map[int64]map[string]string{tr.ID: nil}))

	got, err := s.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ImplementationID)
	assert.Equal(t, existing.ID, *got.ImplementationID)
}

func TestMemoryEvaluationConfigs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	other := seedProject(t, s, "search")
	task := seedTask(t, s, p.ID, "Summarize")
	impl := seedImplementation(t, s, task.ID, "gpt-4o")

	grader := &Grader{ProjectID: p.ID, Name: "accuracy", Prompt: "Grade {{var_output}}", Model: "gpt-4o"}
	require.NoError(t, s.CreateGrader(ctx, grader))
	foreign := &Grader{ProjectID: other.ID, Name: "tone", Prompt: "Grade {{var_output}}", Model: "gpt-4o"}
	require.NoError(t, s.CreateGrader(ctx, foreign))

	err := s.CreateEvaluationConfig(ctx, &EvaluationConfig{
		TaskID:                    &task.ID,
		ImplementationID:          &impl.ID,
		GraderConfigs:             []GraderConfig{{GraderID: grader.ID, Weight: 1}},
		TraceEvaluationPercentage: 100,
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	err = s.CreateEvaluationConfig(ctx, &EvaluationConfig{
		TaskID:                    &task.ID,
		GraderConfigs:             []GraderConfig{{GraderID: grader.ID, Weight: 0.5}},
		TraceEvaluationPercentage: 100,
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	err = s.CreateEvaluationConfig(ctx, &EvaluationConfig{
		TaskID:                    &task.ID,
		GraderConfigs:             []GraderConfig{{GraderID: foreign.ID, Weight: 1}},
		TraceEvaluationPercentage: 100,
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	err = s.CreateEvaluationConfig(ctx, &EvaluationConfig{
		TaskID:                    &task.ID,
		GraderConfigs:             []GraderConfig{{GraderID: 99, Weight: 1}},
		TraceEvaluationPercentage: 100,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	taskCfg := &EvaluationConfig{
		TaskID:                    &task.ID,
		GraderConfigs:             []GraderConfig{{GraderID: grader.ID, Weight: 1}},
		TraceEvaluationPercentage: 50,
	}
	require.NoError(t, s.CreateEvaluationConfig(ctx, taskCfg))

	resolved, err := s.ResolveEvaluationConfig(ctx, impl.ID)
	require.NoError(t, err)
	assert.Equal(t, taskCfg.ID, resolved.ID)

	implCfg := &EvaluationConfig{
		ImplementationID:          &impl.ID,
		GraderConfigs:             []GraderConfig{{GraderID: grader.ID, Weight: 1}},
		TraceEvaluationPercentage: 100,
	}
	require.NoError(t, s.CreateEvaluationConfig(ctx, implCfg))

	resolved, err = s.ResolveEvaluationConfig(ctx, impl.ID)
	require.NoError(t, err)
	assert.Equal(t, implCfg.ID, resolved.ID)

	_, err = s.ResolveEvaluationConfig(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := seedProject(t, s, "support-bot")
	grader := &Grader{ProjectID: p.ID, Name: "accuracy", Prompt: "Grade {{var_output}}", Model: "gpt-4o"}
	require.NoError(t, s.CreateGrader(ctx, grader))

	tr := newTestTrace(p.ID, nil)
	require.NoError(t, s.CreateTrace(ctx, tr))

	exec := &Execution{GraderID: grader.ID, TraceID: tr.ID}
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.Equal(t, ExecutionPending, exec.Status)

	exec.Status = ExecutionCompleted
	exec.Score = ptr(0.9)
	exec.CompletedAt = ptr(time.Now())
	require.NoError(t, s.UpdateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.9, *got.Score, 1e-9)

	list, err := s.ListTraceExecutions(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, s.CreateExecution(ctx, &Execution{GraderID: 99, TraceID: tr.ID}), ErrNotFound)
	assert.ErrorIs(t, s.UpdateExecution(ctx, &Execution{ID: 99}), ErrNotFound)
}

func TestMemoryHTTPTraces(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ht := &HTTPTrace{
		Method:         "POST",
		RequestPath:    "/v1/chat/completions",
		StatusCode:     200,
		RequestBody:    []byte(`{"model":"gpt-4o"}`),
		ResponseBody:   []byte(`{"id":"chatcmpl-1"}`),
		RequestHeaders: map[string]string{"Host": "api.openai.com"},
		StartedAt:      time.Now(),
	}
	require.NoError(t, s.CreateHTTPTrace(ctx, ht))
	assert.NotZero(t, ht.ID)

	got, err := s.GetHTTPTrace(ctx, ht.ID)
	require.NoError(t, err)
	assert.Equal(t, "POST", got.Method)
	assert.JSONEq(t, `{"model":"gpt-4o"}`, string(got.RequestBody))
	assert.Equal(t, "api.openai.com", got.RequestHeaders["Host"])

	_, err = s.GetHTTPTrace(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}
