package server

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/trace"
)

// errorResponse is the JSON body returned on any non-2xx status. When a
// capture fails to parse, HTTPTraceID points at the raw capture that was
// persisted anyway so the payload can be inspected later.
type errorResponse struct {
	Error       string `json:"error"`
	HTTPTraceID *int64 `json:"http_trace_id,omitempty"`
}

// flexBytes accepts a JSON string that is either hex-encoded or plain UTF-8.
// Capture clients hex-encode bodies that are not valid UTF-8 and send text
// bodies as-is, so decoding tries hex first and falls back to the raw bytes.
type flexBytes []byte

func (b *flexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if decoded, err := hex.DecodeString(s); err == nil && s != "" {
		*b = decoded
		return nil
	}
	*b = []byte(s)
	return nil
}

// captureRequest is the wire shape of POST /api/v1/http-traces: one raw
// provider exchange observed by a capture client.
type captureRequest struct {
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	StatusCode      int               `json:"status_code"`
	Error           string            `json:"error,omitempty"`
	Request         flexBytes         `json:"request"`
	RequestHeaders  map[string]string `json:"request_headers"`
	Response        flexBytes         `json:"response"`
	ResponseHeaders map[string]string `json:"response_headers"`
	RequestMethod   string            `json:"request_method,omitempty"`
	RequestPath     string            `json:"request_path,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Path            *string           `json:"path,omitempty"`
}

func (r *captureRequest) capture() *trace.Capture {
	return &trace.Capture{
		Method:          r.RequestMethod,
		RequestPath:     r.RequestPath,
		StatusCode:      r.StatusCode,
		RequestBody:     []byte(r.Request),
		ResponseBody:    []byte(r.Response),
		RequestHeaders:  r.RequestHeaders,
		ResponseHeaders: r.ResponseHeaders,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Error:           r.Error,
		Metadata:        r.Metadata,
		Path:            r.Path,
	}
}

// captureResponse returns the normalized trace alongside the id of the raw
// capture it was parsed from.
type captureResponse struct {
	Trace       *store.Trace `json:"trace"`
	HTTPTraceID int64        `json:"http_trace_id"`
}

type createProjectRequest struct {
	Name string `json:"name"`
}

type createTaskRequest struct {
	ProjectID   int64   `json:"project_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Path        *string `json:"path,omitempty"`
}

// updateTaskRequest applies only the fields present in the payload. A task's
// production version moves through the same endpoint.
type updateTaskRequest struct {
	Name                *string `json:"name,omitempty"`
	Description         *string `json:"description,omitempty"`
	ProductionVersionID *int64  `json:"production_version_id,omitempty"`
}

type createImplementationRequest struct {
	TaskID          int64                  `json:"task_id"`
	Prompt          string                 `json:"prompt"`
	Model           string                 `json:"model"`
	Temperature     *float64               `json:"temperature,omitempty"`
	MaxOutputTokens int                    `json:"max_output_tokens,omitempty"`
	Tools           []trace.ToolDefinition `json:"tools,omitempty"`
	ToolChoice      any                    `json:"tool_choice,omitempty"`
	Reasoning       map[string]any         `json:"reasoning,omitempty"`
}

type createGraderRequest struct {
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
}

// evaluationConfigRequest mirrors store.EvaluationConfig with an optional
// sampling percentage so the server default applies when a client omits it.
type evaluationConfigRequest struct {
	TaskID                    *int64               `json:"task_id,omitempty"`
	ImplementationID          *int64               `json:"implementation_id,omitempty"`
	GraderConfigs             []store.GraderConfig `json:"grader_configs"`
	TraceEvaluationPercentage *float64             `json:"trace_evaluation_percentage,omitempty"`
}
