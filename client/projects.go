package client

import (
	"context"

	"github.com/promptloom/promptloom/store"
)

// ProjectsClient manages projects.
type ProjectsClient struct {
	c *Client
}

// Create creates a project. A duplicate name is an *APIError, unlike
// ingestion which upserts projects by name.
func (p *ProjectsClient) Create(ctx context.Context, name string) (*store.Project, error) {
	var project store.Project
	body := map[string]string{"name": name}
	if err := p.c.post(ctx, "/projects", body, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// List fetches all projects.
func (p *ProjectsClient) List(ctx context.Context) ([]*store.Project, error) {
	var projects []*store.Project
	if err := p.c.get(ctx, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}
