package client

import (
	"context"
	"net/url"
	"strconv"

	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/trace"
)

// TasksClient manages tasks and their implementations.
type TasksClient struct {
	c *Client
}

// CreateTaskParams describe a new task.
type CreateTaskParams struct {
	ProjectID   int64   `json:"project_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Path        *string `json:"path,omitempty"`
}

// UpdateTaskParams patch a task. Nil fields are left unchanged.
type UpdateTaskParams struct {
	Name                *string `json:"name,omitempty"`
	Description         *string `json:"description,omitempty"`
	ProductionVersionID *int64  `json:"production_version_id,omitempty"`
}

// CreateImplementationParams describe a new prompt template version.
type CreateImplementationParams struct {
	TaskID          int64                  `json:"task_id"`
	Prompt          string                 `json:"prompt"`
	Model           string                 `json:"model"`
	Temperature     *float64               `json:"temperature,omitempty"`
	MaxOutputTokens int                    `json:"max_output_tokens,omitempty"`
	Tools           []trace.ToolDefinition `json:"tools,omitempty"`
	ToolChoice      any                    `json:"tool_choice,omitempty"`
	Reasoning       map[string]any         `json:"reasoning,omitempty"`
}

// Create creates a task in a project.
func (t *TasksClient) Create(ctx context.Context, params CreateTaskParams) (*store.Task, error) {
	var task store.Task
	if err := t.c.post(ctx, "/tasks", params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Get fetches one task by id.
func (t *TasksClient) Get(ctx context.Context, id int64) (*store.Task, error) {
	var task store.Task
	if err := t.c.get(ctx, "/tasks/"+strconv.FormatInt(id, 10), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Update patches a task and returns the updated row.
func (t *TasksClient) Update(ctx context.Context, id int64, params UpdateTaskParams) (*store.Task, error) {
	var task store.Task
	if err := t.c.patch(ctx, "/tasks/"+strconv.FormatInt(id, 10), params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// List fetches the tasks of a project by project name.
func (t *TasksClient) List(ctx context.Context, project string) ([]*store.Task, error) {
	q := url.Values{}
	q.Set("project", project)
	var tasks []*store.Task
	if err := t.c.get(ctx, "/tasks", q, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Implementations fetches a task's implementations, oldest first.
func (t *TasksClient) Implementations(ctx context.Context, taskID int64) ([]*store.Implementation, error) {
	var impls []*store.Implementation
	if err := t.c.get(ctx, "/tasks/"+strconv.FormatInt(taskID, 10)+"/implementations", nil, &impls); err != nil {
		return nil, err
	}
	return impls, nil
}

// CreateImplementation adds a prompt template version to a task.
func (t *TasksClient) CreateImplementation(ctx context.Context, params CreateImplementationParams) (*store.Implementation, error) {
	var impl store.Implementation
	if err := t.c.post(ctx, "/implementations", params, &impl); err != nil {
		return nil, err
	}
	return &impl, nil
}

// GetImplementation fetches one implementation by id.
func (t *TasksClient) GetImplementation(ctx context.Context, id int64) (*store.Implementation, error) {
	var impl store.Implementation
	if err := t.c.get(ctx, "/implementations/"+strconv.FormatInt(id, 10), nil, &impl); err != nil {
		return nil, err
	}
	return &impl, nil
}

// DeleteImplementation removes an implementation, its executions, and its
// trace assignments.
func (t *TasksClient) DeleteImplementation(ctx context.Context, id int64) error {
	return t.c.delete(ctx, "/implementations/"+strconv.FormatInt(id, 10))
}
