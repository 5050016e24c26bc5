// Package trace defines the provider-agnostic LLM trace record and the raw
// HTTP capture it is parsed from. The Record shape is shared by the provider
// parsers, the trace-create endpoint, the ingestion service, and the
// grouping worker.
package trace

import "time"

// Record is one normalized LLM call, ready for ingestion. Parsers produce
// it from raw captures; the trace-create endpoint accepts it directly.
type Record struct {
	Project     string     `json:"project"`
	Model       string     `json:"model"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Input  []InputItem  `json:"input"`
	Output []OutputItem `json:"output,omitempty"`

	Instructions *string `json:"instructions,omitempty"`
	Prompt       *string `json:"prompt,omitempty"`

	Temperature     *float64         `json:"temperature,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	ToolChoice      any              `json:"tool_choice,omitempty"`
	Tools           []ToolDefinition `json:"tools,omitempty"`

	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
	CachedTokens     *int `json:"cached_tokens,omitempty"`
	ReasoningTokens  *int `json:"reasoning_tokens,omitempty"`

	FinishReason      *FinishReason  `json:"finish_reason,omitempty"`
	SystemFingerprint *string        `json:"system_fingerprint,omitempty"`
	Reasoning         map[string]any `json:"reasoning,omitempty"`
	ResponseSchema    map[string]any `json:"response_schema,omitempty"`

	Result *string `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`

	TraceMetadata    map[string]any `json:"trace_metadata,omitempty"`
	Path             *string        `json:"path,omitempty"`
	ImplementationID *int64         `json:"implementation_id,omitempty"`
}

// OutputItem is one block of the provider response, kept loosely typed: the
// normalized result text already lives in Record.Result, so output blocks
// are preserved for audit rather than interpreted.
type OutputItem struct {
	Type    string `json:"type,omitempty"`
	Role    Role   `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	CallID  string `json:"call_id,omitempty"`
}

// FinishReason is the closed set of normalized provider stop reasons.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishFunctionCall  FinishReason = "function_call"
)

// NormalizeFinishReason maps a provider-specific stop reason onto the
// closed FinishReason set. Unknown values collapse to FinishStop.
func NormalizeFinishReason(reason string) FinishReason {
	switch normalizeToken(reason) {
	case "stop", "end_turn", "stop_sequence", "completed":
		return FinishStop
	case "length", "max_tokens", "max_output_tokens":
		return FinishLength
	case "tool_calls", "tool_use":
		return FinishToolCalls
	case "content_filter", "safety", "recitation", "blocklist", "prohibited_content", "refusal":
		return FinishContentFilter
	case "function_call":
		return FinishFunctionCall
	default:
		return FinishStop
	}
}

func normalizeToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
