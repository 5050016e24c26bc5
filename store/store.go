// Package store persists the trace pipeline's entities. Two implementations
// share one interface and one observable behavior: Postgres for production
// and an in-memory store for tests and single-binary development runs.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a referenced entity id does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on uniqueness violations, such as explicitly
// creating a project whose name is taken.
var ErrConflict = errors.New("already exists")

// Store is the persistence surface of the pipeline. The database is the
// single source of truth; every other shared structure is advisory.
type Store interface {
	// Projects. CreateProject fails with ErrConflict on a duplicate name;
	// GetOrCreateProject is the ingestion path's auto-create.
	CreateProject(ctx context.Context, name string) (*Project, error)
	GetOrCreateProject(ctx context.Context, name string) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)

	// Tasks.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, projectID int64) ([]*Task, error)
	UpdateTask(ctx context.Context, id int64, upd TaskUpdate) (*Task, error)
	// SetProductionVersion points a task at one of its own implementations.
	SetProductionVersion(ctx context.Context, taskID, implementationID int64) error

	// Implementations. Deleting one cascades its executions, unlinks its
	// traces and clears any production pointer to it.
	CreateImplementation(ctx context.Context, impl *Implementation) error
	GetImplementation(ctx context.Context, id int64) (*Implementation, error)
	// ListImplementations returns every implementation in the project with
	// the given model, in ascending id order. The matcher relies on that
	// order being stable.
	ListImplementations(ctx context.Context, projectID int64, model string) ([]*Implementation, error)
	ListTaskImplementations(ctx context.Context, taskID int64) ([]*Implementation, error)
	DeleteImplementation(ctx context.Context, id int64) error

	// Traces. CreateTrace persists the row and its input items atomically.
	CreateTrace(ctx context.Context, tr *Trace) error
	GetTrace(ctx context.Context, id int64) (*Trace, error)
	ListTraces(ctx context.Context, f TraceFilter) ([]*Trace, error)
	// AssignImplementation links a trace to an implementation with its
	// extracted placeholder bindings.
	AssignImplementation(ctx context.Context, traceID, implementationID int64, vars map[string]string) error
	// ListUnmatchedTraces returns unmatched traces in one (project, path)
	// scope, ascending id. A nil path means path IS NULL.
	ListUnmatchedTraces(ctx context.Context, projectID int64, path *string) ([]*Trace, error)
	// ListUnmatchedKeys lists (project, path) scopes with at least minCount
	// unmatched traces, for sweeping.
	ListUnmatchedKeys(ctx context.Context, minCount int) ([]UnmatchedKey, error)
	// AssignCluster persists one discovered cluster atomically: the task,
	// its implementation, the production pointer, and the per-trace
	// assignments with bindings.
	AssignCluster(ctx context.Context, task *Task, impl *Implementation, bindings map[int64]map[string]string) error

	// HTTP traces.
	CreateHTTPTrace(ctx context.Context, ht *HTTPTrace) error
	GetHTTPTrace(ctx context.Context, id int64) (*HTTPTrace, error)

	// Graders.
	CreateGrader(ctx context.Context, g *Grader) error
	GetGrader(ctx context.Context, id int64) (*Grader, error)
	ListGraders(ctx context.Context, projectID int64) ([]*Grader, error)

	// Evaluation configs. ResolveEvaluationConfig prefers a config bound to
	// the implementation over one bound to its task; ErrNotFound when
	// neither exists.
	CreateEvaluationConfig(ctx context.Context, cfg *EvaluationConfig) error
	ResolveEvaluationConfig(ctx context.Context, implementationID int64) (*EvaluationConfig, error)

	// Executions.
	CreateExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	ListTraceExecutions(ctx context.Context, traceID int64) ([]*Execution, error)

	Close() error
}
