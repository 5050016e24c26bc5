package client

import (
	"context"
	"net/url"

	"github.com/promptloom/promptloom/store"
)

// GradersClient manages graders and evaluation configs.
type GradersClient struct {
	c *Client
}

// CreateGraderParams describe a new grader.
type CreateGraderParams struct {
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
}

// EvaluationConfigParams attach graders to exactly one of a task or an
// implementation. A nil TraceEvaluationPercentage inherits the server
// default.
type EvaluationConfigParams struct {
	TaskID                    *int64               `json:"task_id,omitempty"`
	ImplementationID          *int64               `json:"implementation_id,omitempty"`
	GraderConfigs             []store.GraderConfig `json:"grader_configs"`
	TraceEvaluationPercentage *float64             `json:"trace_evaluation_percentage,omitempty"`
}

// Create creates a grader in a project.
func (g *GradersClient) Create(ctx context.Context, params CreateGraderParams) (*store.Grader, error) {
	var grader store.Grader
	if err := g.c.post(ctx, "/graders", params, &grader); err != nil {
		return nil, err
	}
	return &grader, nil
}

// List fetches the graders of a project by project name.
func (g *GradersClient) List(ctx context.Context, project string) ([]*store.Grader, error) {
	q := url.Values{}
	q.Set("project", project)
	var graders []*store.Grader
	if err := g.c.get(ctx, "/graders", q, &graders); err != nil {
		return nil, err
	}
	return graders, nil
}

// CreateEvaluationConfig attaches graders with weights to a task or an
// implementation.
func (g *GradersClient) CreateEvaluationConfig(ctx context.Context, params EvaluationConfigParams) (*store.EvaluationConfig, error) {
	var cfg store.EvaluationConfig
	if err := g.c.post(ctx, "/evaluation-configs", params, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
