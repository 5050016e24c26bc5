package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom/grouping"
	"github.com/promptloom/promptloom/ingest"
	"github.com/promptloom/promptloom/parser"
	"github.com/promptloom/promptloom/server"
	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/trace"
)

func newClientServer(t *testing.T) (*Client, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	queue := grouping.NewQueue(16)
	t.Cleanup(queue.Close)
	svc := ingest.NewService(st, queue, parser.Default())
	srv := httptest.NewServer(server.New(st, svc).Handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	require.NoError(t, err)
	return c, st
}

func supportRecord() *trace.Record {
	return &trace.Record{
		Project: "support",
		Model:   "gpt-4o",
		Input: []trace.InputItem{
			{Type: trace.ItemMessage, Role: trace.RoleSystem, Content: "Summarize the ticket from Acme."},
			{Type: trace.ItemMessage, Role: trace.RoleUser, Content: "Acme reports a billing bug."},
		},
		Output: []trace.OutputItem{
			{Type: "message", Role: trace.RoleAssistant, Content: "Acme has a billing bug."},
		},
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestProjectsRoundTrip(t *testing.T) {
	c, _ := newClientServer(t)
	ctx := context.Background()

	p, err := c.Projects().Create(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, "support", p.Name)

	projects, err := c.Projects().List(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	_, err = c.Projects().Create(ctx, "support")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "already exists")
}

func TestTraceIngestAndQuery(t *testing.T) {
	c, _ := newClientServer(t)
	ctx := context.Background()

	created, err := c.Traces().Ingest(ctx, supportRecord())
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	fetched, err := c.Traces().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ProjectID, fetched.ProjectID)

	traces, err := c.Traces().List(ctx, ListParams{Project: "support", Unmatched: true})
	require.NoError(t, err)
	require.Len(t, traces, 1)

	_, err = c.Traces().Get(ctx, 404)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestIngestCapture(t *testing.T) {
	c, _ := newClientServer(t)
	ctx := context.Background()

	completed := time.Now().UTC()
	result, err := c.Traces().IngestCapture(ctx, &Capture{
		StartedAt:      completed.Add(-time.Second),
		CompletedAt:    &completed,
		StatusCode:     200,
		Request:        []byte(`{"model":"gpt-4o","messages":[{"role":"system","content":"Summarize the ticket from Acme."}]}`),
		Response:       []byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"Done."},"finish_reason":"stop"}]}`),
		RequestHeaders: map[string]string{"Host": "api.openai.com"},
		RequestMethod:  "POST",
		RequestPath:    "/v1/chat/completions",
		Metadata:       map[string]any{"project": "support"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Trace)
	assert.Equal(t, "gpt-4o", result.Trace.Model)
	assert.NotZero(t, result.HTTPTraceID)
}

func TestIngestCaptureParseFailureCarriesHTTPTraceID(t *testing.T) {
	c, st := newClientServer(t)
	ctx := context.Background()

	binary := []byte{0x1f, 0x8b, 0x08, 0x00, 0xff, 0xfe}
	_, err := c.Traces().IngestCapture(ctx, &Capture{
		StartedAt:      time.Now().UTC(),
		StatusCode:     200,
		Request:        binary,
		RequestHeaders: map[string]string{"Host": "api.openai.com"},
		RequestPath:    "/v1/chat/completions",
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.HTTPTraceID)

	ht, err := st.GetHTTPTrace(ctx, *apiErr.HTTPTraceID)
	require.NoError(t, err)
	assert.Equal(t, binary, ht.RequestBody, "binary body survives the hex round trip")
}

func TestTaskAndImplementationFlow(t *testing.T) {
	c, _ := newClientServer(t)
	ctx := context.Background()

	p, err := c.Projects().Create(ctx, "support")
	require.NoError(t, err)

	task, err := c.Tasks().Create(ctx, CreateTaskParams{ProjectID: p.ID, Name: "Summarize tickets"})
	require.NoError(t, err)

	impl, err := c.Tasks().CreateImplementation(ctx, CreateImplementationParams{
		TaskID: task.ID,
		Prompt: "Summarize the ticket from {{var_0}}.",
		Model:  "gpt-4o",
	})
	require.NoError(t, err)

	updated, err := c.Tasks().Update(ctx, task.ID, UpdateTaskParams{ProductionVersionID: &impl.ID})
	require.NoError(t, err)
	require.NotNil(t, updated.ProductionVersionID)
	assert.Equal(t, impl.ID, *updated.ProductionVersionID)

	impls, err := c.Tasks().Implementations(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, impls, 1)

	require.NoError(t, c.Tasks().DeleteImplementation(ctx, impl.ID))
	_, err = c.Tasks().GetImplementation(ctx, impl.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestGraderAndEvaluationConfigFlow(t *testing.T) {
	c, _ := newClientServer(t)
	ctx := context.Background()

	p, err := c.Projects().Create(ctx, "support")
	require.NoError(t, err)
	task, err := c.Tasks().Create(ctx, CreateTaskParams{ProjectID: p.ID, Name: "Summarize tickets"})
	require.NoError(t, err)

	grader, err := c.Graders().Create(ctx, CreateGraderParams{
		ProjectID: p.ID,
		Name:      "accuracy",
		Prompt:    "Rate {{var_output}} against {{var_input}}.",
		Model:     "gpt-4o",
	})
	require.NoError(t, err)

	graders, err := c.Graders().List(ctx, "support")
	require.NoError(t, err)
	require.Len(t, graders, 1)

	pct := 50.0
	cfg, err := c.Graders().CreateEvaluationConfig(ctx, EvaluationConfigParams{
		TaskID:                    &task.ID,
		GraderConfigs:             []store.GraderConfig{{GraderID: grader.ID, Weight: 1}},
		TraceEvaluationPercentage: &pct,
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, cfg.TraceEvaluationPercentage)
}

func TestWireBytesMarshal(t *testing.T) {
	utf8Body, err := json.Marshal(wireBytes(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, `"{\"ok\":true}"`, string(utf8Body))

	binBody, err := json.Marshal(wireBytes{0xff, 0xfe})
	require.NoError(t, err)
	assert.Equal(t, `"fffe"`, string(binBody))
}

func TestDecodeAPIErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	require.NoError(t, err)

	listErr := c.get(context.Background(), "/projects", nil, &struct{}{})
	var apiErr *APIError
	require.True(t, errors.As(listErr, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}
