package parser

// This file parses the Anthropic messages API.

import (
	"encoding/json"
	"strings"

	"github.com/promptloom/promptloom/trace"
)

// Anthropic parses captures of api.anthropic.com calls: POST /v1/messages.
// See https://docs.anthropic.com/en/api/messages
//
// Anthropic request bodies vary more than OpenAI's (string or block-list
// system, block-list content with tool_use and tool_result mixed in), so
// this parser walks raw maps rather than declaring the whole wire shape.
type Anthropic struct{}

func (*Anthropic) CanParse(url string) bool {
	return strings.Contains(url, "api.anthropic.com")
}

func (p *Anthropic) Parse(c *trace.Capture) (*trace.Record, error) {
	var req map[string]any
	if err := json.Unmarshal(c.RequestBody, &req); err != nil {
		return nil, &MalformedRequestError{Provider: "anthropic", Err: err}
	}

	rec := baseRecord(c)
	if model := asString(req["model"]); model != "" {
		rec.Model = model
	}
	if t, ok := asFloat(req["temperature"]); ok {
		rec.Temperature = &t
	}
	rec.MaxOutputTokens = intField(req, "max_tokens")
	if tc, ok := req["tool_choice"]; ok {
		rec.ToolChoice = tc
	}
	if thinking := asMap(req["thinking"]); thinking != nil {
		rec.Reasoning = thinking
	}
	for _, v := range asSlice(req["tools"]) {
		tool := asMap(v)
		if tool == nil {
			continue
		}
		rec.Tools = append(rec.Tools, trace.ToolDefinition{
			Type: "function",
			Function: trace.FunctionDefinition{
				Name:        asString(tool["name"]),
				Description: asString(tool["description"]),
				Parameters:  asMap(tool["input_schema"]),
			},
		})
	}

	// Top-level system prompt becomes the leading system message.
	if system, ok := req["system"]; ok && system != nil {
		if s := asString(system); s != "" || len(asSlice(system)) > 0 {
			content := system
			if s != "" {
				content = s
			}
			rec.Input = append(rec.Input, trace.InputItem{
				Type:    trace.ItemMessage,
				Role:    trace.RoleSystem,
				Content: content,
			})
		}
	}
	for _, v := range asSlice(req["messages"]) {
		msg := asMap(v)
		if msg == nil {
			continue
		}
		item := trace.InputItem{
			Type:    trace.ItemMessage,
			Role:    trace.Role(asString(msg["role"])),
			Content: msg["content"],
		}
		// Surface tool_use blocks as normalized tool calls while leaving
		// the block list itself untouched.
		for _, bv := range asSlice(msg["content"]) {
			block := asMap(bv)
			if asString(block["type"]) != "tool_use" {
				continue
			}
			args := ""
			if input := block["input"]; input != nil {
				if data, err := json.Marshal(input); err == nil {
					args = string(data)
				}
			}
			item.ToolCalls = append(item.ToolCalls, trace.ToolCall{
				ID:   asString(block["id"]),
				Type: "function",
				Function: trace.FunctionCall{
					Name:      asString(block["name"]),
					Arguments: args,
				},
			})
		}
		rec.Input = append(rec.Input, item)
	}
	setInstructions(rec)

	p.parseResponse(rec, c.ResponseBody)
	return rec, nil
}

func (p *Anthropic) parseResponse(rec *trace.Record, body []byte) {
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
	for _, v := range asSlice(raw["content"]) {
		block := asMap(v)
		switch asString(block["type"]) {
		case "text":
			text := asString(block["text"])
			rec.Output = append(rec.Output, trace.OutputItem{
				Type:    "message",
				Role:    trace.RoleAssistant,
				Content: text,
			})
			if text != "" {
				texts = append(texts, text)
			}
		case "tool_use":
			rec.Output = append(rec.Output, trace.OutputItem{
				Type:    "tool_call",
				Name:    asString(block["name"]),
				CallID:  asString(block["id"]),
				Content: block["input"],
			})
		case "thinking":
			rec.Output = append(rec.Output, trace.OutputItem{
				Type:    "reasoning",
				Content: block["thinking"],
			})
		}
	}
	if len(texts) > 0 {
		result := strings.Join(texts, "\n")
		rec.Result = &result
	}

	if reason := asString(raw["stop_reason"]); reason != "" {
		fr := trace.NormalizeFinishReason(reason)
		rec.FinishReason = &fr
	}
	if usage := asMap(raw["usage"]); usage != nil {
		setAnthropicUsage(rec, usage)
	}
}

// setAnthropicUsage folds cache token counters into the prompt total.
// Anthropic reports input tokens exclusive of cache reads and writes, and
// never reports a grand total.
func setAnthropicUsage(rec *trace.Record, usage map[string]any) {
	var input, cacheCreation, cacheRead, output int
	if n, ok := asInt(usage["input_tokens"]); ok {
		input = n
	}
	if n, ok := asInt(usage["cache_creation_input_tokens"]); ok {
		cacheCreation = n
	}
	if n, ok := asInt(usage["cache_read_input_tokens"]); ok {
		cacheRead = n
	}
	if n, ok := asInt(usage["output_tokens"]); ok {
		output = n
	}

	prompt := input + cacheCreation + cacheRead
	total := prompt + output
	rec.PromptTokens = &prompt
	rec.CompletionTokens = &output
	rec.TotalTokens = &total
	if cacheRead > 0 {
		rec.CachedTokens = &cacheRead
	}
}
