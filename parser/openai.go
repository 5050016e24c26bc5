package parser

// This file parses the OpenAI chat completions and responses APIs.

import (
	"encoding/json"
	"strings"

	"github.com/promptloom/promptloom/trace"
)

// OpenAI parses captures of api.openai.com calls: POST /v1/chat/completions
// and POST /v1/responses.
// See https://platform.openai.com/docs/api-reference/chat/create and
// https://platform.openai.com/docs/api-reference/responses/create
type OpenAI struct{}

func (*OpenAI) CanParse(url string) bool {
	return strings.Contains(url, "api.openai.com")
}

func (p *OpenAI) Parse(c *trace.Capture) (*trace.Record, error) {
	// Suffix matching because OpenAI-compatible gateways mount the same
	// endpoints under different base paths.
	if strings.Contains(c.URL(), "/responses") {
		return p.parseResponses(c)
	}
	return p.parseChatCompletions(c)
}

// chatRequest is the request body for the v1/chat/completions POST endpoint.
type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	Temperature         *float64       `json:"temperature,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Tools               []chatTool     `json:"tools,omitempty"`
	ToolChoice          any            `json:"tool_choice,omitempty"`
	ResponseFormat      map[string]any `json:"response_format,omitempty"`
	ReasoningEffort     *string        `json:"reasoning_effort,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string or structured parts list
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatFunctionDecl `json:"function"`
}

type chatFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// chatResponse is the response body for the v1/chat/completions POST endpoint.
type chatResponse struct {
	ID                string       `json:"id"`
	Model             string       `json:"model"`
	Choices           []chatChoice `json:"choices"`
	Usage             *chatUsage   `json:"usage,omitempty"`
	SystemFingerprint string       `json:"system_fingerprint,omitempty"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	Refusal   *string        `json:"refusal,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens            int               `json:"prompt_tokens"`
	CompletionTokens        int               `json:"completion_tokens"`
	TotalTokens             int               `json:"total_tokens"`
	PromptTokensDetails     *chatTokenDetails `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *chatTokenDetails `json:"completion_tokens_details,omitempty"`
}

type chatTokenDetails struct {
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

func (p *OpenAI) parseChatCompletions(c *trace.Capture) (*trace.Record, error) {
	var req chatRequest
	if err := json.Unmarshal(c.RequestBody, &req); err != nil {
		return nil, &MalformedRequestError{Provider: "openai", Err: err}
	}

	rec := baseRecord(c)
	if req.Model != "" {
		rec.Model = req.Model
	}
	rec.Temperature = req.Temperature
	rec.ToolChoice = req.ToolChoice
	rec.ResponseSchema = req.ResponseFormat
	if req.MaxCompletionTokens != nil {
		rec.MaxOutputTokens = req.MaxCompletionTokens
	} else {
		rec.MaxOutputTokens = req.MaxTokens
	}
	if req.ReasoningEffort != nil {
		rec.Reasoning = map[string]any{"effort": *req.ReasoningEffort}
	}
	for _, t := range req.Tools {
		rec.Tools = append(rec.Tools, trace.ToolDefinition{
			Type: t.Type,
			Function: trace.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}

	for _, m := range req.Messages {
		rec.Input = append(rec.Input, trace.InputItem{
			Type:       trace.ItemMessage,
			Role:       normalizeOpenAIRole(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolCalls:  normalizeChatToolCalls(m.ToolCalls),
		})
	}
	setInstructions(rec)

	p.parseChatResponse(rec, c.ResponseBody)
	return rec, nil
}

func (p *OpenAI) parseChatResponse(rec *trace.Record, body []byte) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if rec.Model == "unknown" && resp.Model != "" {
		rec.Model = resp.Model
	}
	if resp.SystemFingerprint != "" {
		fp := resp.SystemFingerprint
		rec.SystemFingerprint = &fp
	}

	var texts []string
	for _, choice := range resp.Choices {
		msg := choice.Message
		item := trace.OutputItem{
			Type: "message",
			Role: normalizeOpenAIRole(msg.Role),
		}
		if msg.Content != nil {
			item.Content = *msg.Content
			if *msg.Content != "" {
				texts = append(texts, *msg.Content)
			}
		}
		rec.Output = append(rec.Output, item)
		for _, call := range msg.ToolCalls {
			rec.Output = append(rec.Output, trace.OutputItem{
				Type:    "tool_call",
				Name:    call.Function.Name,
				CallID:  call.ID,
				Content: call.Function.Arguments,
			})
		}
	}
	if len(texts) > 0 {
		result := strings.Join(texts, "\n")
		rec.Result = &result
	}
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		fr := trace.NormalizeFinishReason(resp.Choices[0].FinishReason)
		rec.FinishReason = &fr
	}
	if resp.Usage != nil {
		setChatUsage(rec, resp.Usage)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		captureError(rec, raw)
	}
}

func setChatUsage(rec *trace.Record, u *chatUsage) {
	prompt, completion := u.PromptTokens, u.CompletionTokens
	total := u.TotalTokens
	if total == 0 {
		total = prompt + completion
	}
	rec.PromptTokens = &prompt
	rec.CompletionTokens = &completion
	rec.TotalTokens = &total
	if d := u.PromptTokensDetails; d != nil && d.CachedTokens > 0 {
		cached := d.CachedTokens
		rec.CachedTokens = &cached
	}
	if d := u.CompletionTokensDetails; d != nil && d.ReasoningTokens > 0 {
		reasoning := d.ReasoningTokens
		rec.ReasoningTokens = &reasoning
	}
}

func normalizeChatToolCalls(calls []chatToolCall) []trace.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]trace.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, trace.ToolCall{
			ID:   c.ID,
			Type: c.Type,
			Function: trace.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}

// normalizeOpenAIRole maps the legacy "function" role onto "tool"; the
// other OpenAI roles already belong to the closed set.
func normalizeOpenAIRole(role string) trace.Role {
	if role == "function" {
		return trace.RoleTool
	}
	return trace.Role(role)
}

// setInstructions copies the instructions string (first system message,
// else developer, else user) onto the record once items are assembled.
func setInstructions(rec *trace.Record) {
	if s, ok := trace.Instructions(rec.Input); ok {
		rec.Instructions = &s
	}
}

// responsesRequest is the request body for the v1/responses POST endpoint.
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           any             `json:"input"` // string or item list
	Instructions    *string         `json:"instructions,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	ToolChoice      any             `json:"tool_choice,omitempty"`
	Reasoning       map[string]any  `json:"reasoning,omitempty"`
	Text            map[string]any  `json:"text,omitempty"`
}

// responsesTool is a flattened function tool; the responses API drops the
// nested "function" envelope chat completions uses.
type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (p *OpenAI) parseResponses(c *trace.Capture) (*trace.Record, error) {
	var req responsesRequest
	if err := json.Unmarshal(c.RequestBody, &req); err != nil {
		return nil, &MalformedRequestError{Provider: "openai", Err: err}
	}

	rec := baseRecord(c)
	if req.Model != "" {
		rec.Model = req.Model
	}
	rec.Temperature = req.Temperature
	rec.MaxOutputTokens = req.MaxOutputTokens
	rec.ToolChoice = req.ToolChoice
	rec.Reasoning = req.Reasoning
	if format := asMap(req.Text["format"]); format != nil {
		rec.ResponseSchema = format
	}
	for _, t := range req.Tools {
		rec.Tools = append(rec.Tools, trace.ToolDefinition{
			Type: "function",
			Function: trace.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	// Explicit instructions become a leading system message so template
	// matching sees the same shape for every provider.
	if req.Instructions != nil && *req.Instructions != "" {
		rec.Input = append(rec.Input, trace.InputItem{
			Type:    trace.ItemMessage,
			Role:    trace.RoleSystem,
			Content: *req.Instructions,
		})
	}
	switch input := req.Input.(type) {
	case string:
		rec.Input = append(rec.Input, trace.InputItem{
			Type:    trace.ItemMessage,
			Role:    trace.RoleUser,
			Content: input,
		})
		if input != "" {
			prompt := input
			rec.Prompt = &prompt
		}
	case []any:
		for _, v := range input {
			if item, ok := normalizeResponsesItem(asMap(v)); ok {
				rec.Input = append(rec.Input, item)
			}
		}
	}
	setInstructions(rec)

	p.parseResponsesResponse(rec, c.ResponseBody)
	return rec, nil
}

// normalizeResponsesItem converts one responses-API input list element. The
// elements are heterogeneous, so this walks maps instead of typed structs.
func normalizeResponsesItem(m map[string]any) (trace.InputItem, bool) {
	if m == nil {
		return trace.InputItem{}, false
	}
	typ := asString(m["type"])
	if typ == "" && m["role"] != nil {
		typ = "message"
	}
	switch typ {
	case "message":
		return trace.InputItem{
			Type:    trace.ItemMessage,
			Role:    normalizeOpenAIRole(asString(m["role"])),
			Content: m["content"],
		}, true
	case "function_call":
		return trace.InputItem{
			Type:      trace.ItemFunctionCall,
			Name:      asString(m["name"]),
			CallID:    asString(m["call_id"]),
			Arguments: m["arguments"],
		}, true
	case "function_call_output":
		return trace.InputItem{
			Type:   trace.ItemFunctionResult,
			CallID: asString(m["call_id"]),
			Output: m["output"],
		}, true
	}
	return trace.InputItem{}, false
}

func (p *OpenAI) parseResponsesResponse(rec *trace.Record, body []byte) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return
	}
	captureError(rec, raw)
	if rec.Model == "unknown" {
		if model := asString(raw["model"]); model != "" {
			rec.Model = model
		}
	}

	var texts []string
	for _, v := range asSlice(raw["output"]) {
		block := asMap(v)
		switch asString(block["type"]) {
		case "message":
			item := trace.OutputItem{
				Type:    "message",
				Role:    normalizeOpenAIRole(asString(block["role"])),
				Content: block["content"],
			}
			rec.Output = append(rec.Output, item)
			for _, pv := range asSlice(block["content"]) {
				part := asMap(pv)
				if asString(part["type"]) == "output_text" {
					if text := asString(part["text"]); text != "" {
						texts = append(texts, text)
					}
				}
			}
		case "function_call":
			rec.Output = append(rec.Output, trace.OutputItem{
				Type:    "function_call",
				Name:    asString(block["name"]),
				CallID:  asString(block["call_id"]),
				Content: block["arguments"],
			})
		}
	}
	if len(texts) > 0 {
		result := strings.Join(texts, "\n")
		rec.Result = &result
	}

	switch asString(raw["status"]) {
	case "completed":
		fr := trace.FinishStop
		rec.FinishReason = &fr
	case "incomplete":
		reason := asString(asMap(raw["incomplete_details"])["reason"])
		fr := trace.NormalizeFinishReason(reason)
		rec.FinishReason = &fr
	}

	if usage := asMap(raw["usage"]); usage != nil {
		rec.PromptTokens = intField(usage, "input_tokens")
		rec.CompletionTokens = intField(usage, "output_tokens")
		rec.TotalTokens = intField(usage, "total_tokens")
		if rec.TotalTokens == nil && rec.PromptTokens != nil && rec.CompletionTokens != nil {
			total := *rec.PromptTokens + *rec.CompletionTokens
			rec.TotalTokens = &total
		}
		rec.CachedTokens = intField(asMap(usage["input_tokens_details"]), "cached_tokens")
		rec.ReasoningTokens = intField(asMap(usage["output_tokens_details"]), "reasoning_tokens")
	}
}
