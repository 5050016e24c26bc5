package store

import (
	"math"
	"time"

	"github.com/promptloom/promptloom/internal/apperr"
	"github.com/promptloom/promptloom/trace"
)

// Project is a uniquely named namespace. Projects are auto-created on first
// reference and never destroyed by the core.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a logical prompt family within a project.
type Task struct {
	ID                  int64     `json:"id"`
	ProjectID           int64     `json:"project_id"`
	Path                *string   `json:"path,omitempty"`
	Name                string    `json:"name"`
	Description         *string   `json:"description,omitempty"`
	ProductionVersionID *int64    `json:"production_version_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TaskUpdate applies only its non-nil fields.
type TaskUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Implementation is a concrete prompt template plus model configuration.
// Temp marks implementations auto-generated by the grouping worker.
type Implementation struct {
	ID              int64                  `json:"id"`
	TaskID          int64                  `json:"task_id"`
	Prompt          string                 `json:"prompt"`
	Model           string                 `json:"model"`
	Temperature     *float64               `json:"temperature,omitempty"`
	MaxOutputTokens int                    `json:"max_output_tokens"`
	Tools           []trace.ToolDefinition `json:"tools,omitempty"`
	ToolChoice      any                    `json:"tool_choice,omitempty"`
	Reasoning       map[string]any         `json:"reasoning,omitempty"`
	Temp            bool                   `json:"temp"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Trace is one persisted LLM call. InputItems are ordered; an item's
// position is its slice index. PromptVariables is set exactly when
// ImplementationID is set.
type Trace struct {
	ID               int64   `json:"id"`
	ProjectID        int64   `json:"project_id"`
	ImplementationID *int64  `json:"implementation_id,omitempty"`
	HTTPTraceID      *int64  `json:"http_trace_id,omitempty"`
	Path             *string `json:"path,omitempty"`
	Model            string  `json:"model"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	InputItems []trace.InputItem  `json:"input_items"`
	Output     []trace.OutputItem `json:"output,omitempty"`

	Instructions *string `json:"instructions,omitempty"`
	Prompt       *string `json:"prompt,omitempty"`

	Temperature     *float64               `json:"temperature,omitempty"`
	MaxOutputTokens *int                   `json:"max_output_tokens,omitempty"`
	ToolChoice      any                    `json:"tool_choice,omitempty"`
	Tools           []trace.ToolDefinition `json:"tools,omitempty"`

	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
	CachedTokens     *int `json:"cached_tokens,omitempty"`
	ReasoningTokens  *int `json:"reasoning_tokens,omitempty"`

	FinishReason      *trace.FinishReason `json:"finish_reason,omitempty"`
	SystemFingerprint *string             `json:"system_fingerprint,omitempty"`
	Reasoning         map[string]any      `json:"reasoning,omitempty"`
	ResponseSchema    map[string]any      `json:"response_schema,omitempty"`

	Result *string `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`

	PromptVariables map[string]string `json:"prompt_variables,omitempty"`
	TraceMetadata   map[string]any    `json:"trace_metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HTTPTrace is a raw capture kept verbatim for audit and reparse. Immutable
// after insertion.
type HTTPTrace struct {
	ID              int64             `json:"id"`
	Method          string            `json:"method"`
	RequestPath     string            `json:"request_path"`
	StatusCode      int               `json:"status_code"`
	RequestBody     []byte            `json:"request_body,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Error           *string           `json:"error,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Grader is an evaluator prompt. The prompt uses the same {{var_NAME}}
// placeholder syntax with the well-known names var_input, var_output,
// var_prompt and var_model.
type Grader struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// GraderConfig weights one grader inside an evaluation config.
type GraderConfig struct {
	GraderID int64   `json:"grader_id"`
	Weight   float64 `json:"weight"`
}

// EvaluationConfig attaches graders to exactly one of a task or an
// implementation, with a sampling percentage deciding which traces get
// auto-graded.
type EvaluationConfig struct {
	ID                        int64          `json:"id"`
	TaskID                    *int64         `json:"task_id,omitempty"`
	ImplementationID          *int64         `json:"implementation_id,omitempty"`
	GraderConfigs             []GraderConfig `json:"grader_configs"`
	TraceEvaluationPercentage float64        `json:"trace_evaluation_percentage"`
	CreatedAt                 time.Time      `json:"created_at"`
}

// weightTolerance bounds floating point drift when checking that grader
// weights sum to one.
const weightTolerance = 1e-6

// Validate checks the shape constraints every store enforces before
// persisting an evaluation config. Project membership of the graders is
// checked separately because it needs lookups.
func (c *EvaluationConfig) Validate() error {
	if (c.TaskID == nil) == (c.ImplementationID == nil) {
		return apperr.BadRequest("evaluation config must target exactly one of task_id or implementation_id")
	}
	if len(c.GraderConfigs) == 0 {
		return apperr.BadRequest("evaluation config needs at least one grader")
	}
	var sum float64
	for _, gc := range c.GraderConfigs {
		if gc.Weight < 0 {
			return apperr.BadRequest("grader %d has negative weight %v", gc.GraderID, gc.Weight)
		}
		sum += gc.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return apperr.BadRequest("grader weights sum to %v, want 1", sum)
	}
	if c.TraceEvaluationPercentage < 0 || c.TraceEvaluationPercentage > 100 {
		return apperr.BadRequest("trace_evaluation_percentage %v outside [0,100]", c.TraceEvaluationPercentage)
	}
	return nil
}

// ExecutionStatus is the lifecycle state of one grader execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one scheduled grading of one trace by one grader.
type Execution struct {
	ID               int64           `json:"id"`
	GraderID         int64           `json:"grader_id"`
	TraceID          int64           `json:"trace_id"`
	ImplementationID *int64          `json:"implementation_id,omitempty"`
	Status           ExecutionStatus `json:"status"`
	Score            *float64        `json:"score,omitempty"`
	Reasoning        *string         `json:"reasoning,omitempty"`
	Error            *string         `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// TraceFilter narrows ListTraces. Path filters only when non-nil; Unmatched
// keeps traces with no implementation.
type TraceFilter struct {
	ProjectID *int64
	Path      *string
	Unmatched bool
	Limit     int
}

// UnmatchedKey is one (project, path) scope with pending unmatched traces,
// as listed for the sweeper. Path may be nil; a nil path and an empty path
// are distinct scopes.
type UnmatchedKey struct {
	ProjectID  int64
	Path       *string
	MaxTraceID int64
	Count      int
}
