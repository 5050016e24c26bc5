package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/trace"
)

// TracesClient ingests and queries traces.
type TracesClient struct {
	c *Client
}

// wireBytes marshals as a plain JSON string when the bytes are valid UTF-8
// and as a hex string otherwise, matching what the capture endpoint accepts.
type wireBytes []byte

func (b wireBytes) MarshalJSON() ([]byte, error) {
	if utf8.Valid(b) {
		return json.Marshal(string(b))
	}
	return json.Marshal(hex.EncodeToString(b))
}

// Capture is one raw provider exchange to submit for ingestion.
type Capture struct {
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	StatusCode      int               `json:"status_code"`
	Error           string            `json:"error,omitempty"`
	Request         []byte            `json:"-"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	Response        []byte            `json:"-"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	RequestMethod   string            `json:"request_method,omitempty"`
	RequestPath     string            `json:"request_path,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Path            *string           `json:"path,omitempty"`
}

// MarshalJSON routes the body fields through wireBytes.
func (c Capture) MarshalJSON() ([]byte, error) {
	type plain Capture
	return json.Marshal(struct {
		plain
		Request  wireBytes `json:"request"`
		Response wireBytes `json:"response"`
	}{plain(c), wireBytes(c.Request), wireBytes(c.Response)})
}

// CaptureResult pairs the normalized trace with the persisted raw capture id.
type CaptureResult struct {
	Trace       *store.Trace `json:"trace"`
	HTTPTraceID int64        `json:"http_trace_id"`
}

// IngestCapture submits a raw provider exchange. When parsing fails the
// returned *APIError carries the id of the persisted capture.
func (t *TracesClient) IngestCapture(ctx context.Context, capture *Capture) (*CaptureResult, error) {
	var result CaptureResult
	if err := t.c.post(ctx, "/http-traces", capture, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ingest submits an already-normalized trace record.
func (t *TracesClient) Ingest(ctx context.Context, rec *trace.Record) (*store.Trace, error) {
	var tr store.Trace
	if err := t.c.post(ctx, "/traces", rec, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Get fetches one trace by id.
func (t *TracesClient) Get(ctx context.Context, id int64) (*store.Trace, error) {
	var tr store.Trace
	if err := t.c.get(ctx, "/traces/"+strconv.FormatInt(id, 10), nil, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// ListParams filter the trace listing. Project is a project name.
type ListParams struct {
	Project   string
	Path      *string
	Unmatched bool
	Limit     int
}

// List fetches traces matching the filter.
func (t *TracesClient) List(ctx context.Context, params ListParams) ([]*store.Trace, error) {
	q := url.Values{}
	if params.Project != "" {
		q.Set("project", params.Project)
	}
	if params.Path != nil {
		q.Set("path", *params.Path)
	}
	if params.Unmatched {
		q.Set("unmatched", "true")
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	var traces []*store.Trace
	if err := t.c.get(ctx, "/traces", q, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// Executions fetches the grading executions recorded for a trace.
func (t *TracesClient) Executions(ctx context.Context, traceID int64) ([]*store.Execution, error) {
	var execs []*store.Execution
	if err := t.c.get(ctx, "/traces/"+strconv.FormatInt(traceID, 10)+"/executions", nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}
