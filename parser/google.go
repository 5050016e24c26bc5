package parser

// This file parses the Google generative language API (Gemini API and
// Vertex AI generateContent).

import (
	"encoding/json"
	"strings"

	"github.com/promptloom/promptloom/trace"
)

// Google parses captures of generateContent calls.
// Gemini API: /v1beta/models/{model}:generateContent
// Vertex AI: /v1/projects/{p}/locations/{l}/publishers/google/models/{model}:generateContent
// See https://ai.google.dev/api/generate-content
type Google struct{}

func (*Google) CanParse(url string) bool {
	return strings.Contains(url, "generativelanguage.googleapis.com") ||
		strings.Contains(url, "aiplatform.googleapis.com")
}

func (p *Google) Parse(c *trace.Capture) (*trace.Record, error) {
	var req map[string]any
	if err := json.Unmarshal(c.RequestBody, &req); err != nil {
		return nil, &MalformedRequestError{Provider: "google", Err: err}
	}

	rec := baseRecord(c)
	if model := asString(req["model"]); model != "" {
		rec.Model = model
	} else if model := modelFromPath(c.URL()); model != "" {
		rec.Model = model
	}

	if genConfig := asMap(req["generationConfig"]); genConfig != nil {
		if t, ok := asFloat(genConfig["temperature"]); ok {
			rec.Temperature = &t
		}
		rec.MaxOutputTokens = intField(genConfig, "maxOutputTokens")
		if schema := asMap(genConfig["responseSchema"]); schema != nil {
			rec.ResponseSchema = schema
		} else if schema := asMap(genConfig["responseJsonSchema"]); schema != nil {
			rec.ResponseSchema = schema
		}
		if cfg := asMap(genConfig["thinkingConfig"]); cfg != nil {
			rec.Reasoning = cfg
		}
	}
	if toolConfig := asMap(req["toolConfig"]); toolConfig != nil {
		rec.ToolChoice = toolConfig
	}

	// Google nests function declarations one level deeper than the other
	// providers; flatten each declaration to a ToolDefinition.
	for _, tv := range asSlice(req["tools"]) {
		tool := asMap(tv)
		for _, dv := range asSlice(tool["functionDeclarations"]) {
			decl := asMap(dv)
			if decl == nil {
				continue
			}
			rec.Tools = append(rec.Tools, trace.ToolDefinition{
				Type: "function",
				Function: trace.FunctionDefinition{
					Name:        asString(decl["name"]),
					Description: asString(decl["description"]),
					Parameters:  asMap(decl["parameters"]),
				},
			})
		}
	}

	if text := instructionText(asMap(req["systemInstruction"])); text != "" {
		rec.Input = append(rec.Input, trace.InputItem{
			Type:    trace.ItemMessage,
			Role:    trace.RoleSystem,
			Content: text,
		})
	}
	for _, cv := range asSlice(req["contents"]) {
		content := asMap(cv)
		role := googleRole(asString(content["role"]))
		for _, pv := range asSlice(content["parts"]) {
			if item, ok := normalizeGooglePart(asMap(pv), role); ok {
				rec.Input = append(rec.Input, item)
			}
		}
	}
	setInstructions(rec)

	p.parseResponse(rec, c.ResponseBody)
	return rec, nil
}

// instructionText joins the text parts of a systemInstruction content object.
func instructionText(instruction map[string]any) string {
	if instruction == nil {
		return ""
	}
	var texts []string
	for _, pv := range asSlice(instruction["parts"]) {
		if text := asString(asMap(pv)["text"]); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

// normalizeGooglePart converts one content part into an input item. Each
// part becomes its own item because Google interleaves text, function calls
// and media inside a single content turn.
func normalizeGooglePart(part map[string]any, role trace.Role) (trace.InputItem, bool) {
	if part == nil {
		return trace.InputItem{}, false
	}
	if text, ok := part["text"].(string); ok {
		return trace.InputItem{Type: trace.ItemMessage, Role: role, Content: text}, true
	}
	if call := asMap(part["functionCall"]); call != nil {
		return trace.InputItem{
			Type:      trace.ItemFunctionCall,
			Name:      asString(call["name"]),
			Arguments: call["args"],
		}, true
	}
	if resp := asMap(part["functionResponse"]); resp != nil {
		return trace.InputItem{
			Type:   trace.ItemFunctionResult,
			Name:   asString(resp["name"]),
			Output: resp["response"],
		}, true
	}
	if data := asMap(part["inlineData"]); data != nil {
		return trace.InputItem{
			Type:     mediaItemType(asString(data["mimeType"])),
			Data:     asString(data["data"]),
			MimeType: asString(data["mimeType"]),
		}, true
	}
	if file := asMap(part["fileData"]); file != nil {
		return trace.InputItem{
			Type:     mediaItemType(asString(file["mimeType"])),
			URL:      asString(file["fileUri"]),
			MimeType: asString(file["mimeType"]),
		}, true
	}
	return trace.InputItem{}, false
}

func mediaItemType(mimeType string) trace.ItemType {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return trace.ItemVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return trace.ItemAudio
	default:
		return trace.ItemImage
	}
}

func googleRole(role string) trace.Role {
	if role == "model" {
		return trace.RoleAssistant
	}
	if role == "" {
		return trace.RoleUser
	}
	return trace.Role(role)
}

func (p *Google) parseResponse(rec *trace.Record, body []byte) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return
	}
	captureError(rec, raw)
	if rec.Model == "unknown" {
		if model := asString(raw["modelVersion"]); model != "" {
			rec.Model = model
		}
	}

	var texts []string
	for _, cv := range asSlice(raw["candidates"]) {
		candidate := asMap(cv)
		if candidate == nil {
			continue
		}
		content := asMap(candidate["content"])
		for _, pv := range asSlice(content["parts"]) {
			part := asMap(pv)
			if text, ok := part["text"].(string); ok {
				rec.Output = append(rec.Output, trace.OutputItem{
					Type:    "message",
					Role:    trace.RoleAssistant,
					Content: text,
				})
				if text != "" {
					texts = append(texts, text)
				}
			} else if call := asMap(part["functionCall"]); call != nil {
				rec.Output = append(rec.Output, trace.OutputItem{
					Type:    "function_call",
					Name:    asString(call["name"]),
					Content: call["args"],
				})
			}
		}
		if rec.FinishReason == nil {
			if reason := asString(candidate["finishReason"]); reason != "" {
				fr := trace.NormalizeFinishReason(reason)
				rec.FinishReason = &fr
			}
		}
	}
	if len(texts) > 0 {
		result := strings.Join(texts, "\n")
		rec.Result = &result
	}

	if usage := asMap(raw["usageMetadata"]); usage != nil {
		rec.PromptTokens = intField(usage, "promptTokenCount")
		rec.CompletionTokens = intField(usage, "candidatesTokenCount")
		rec.TotalTokens = intField(usage, "totalTokenCount")
		if rec.TotalTokens == nil && rec.PromptTokens != nil && rec.CompletionTokens != nil {
			total := *rec.PromptTokens + *rec.CompletionTokens
			rec.TotalTokens = &total
		}
		rec.CachedTokens = intField(usage, "cachedContentTokenCount")
		rec.ReasoningTokens = intField(usage, "thoughtsTokenCount")
	}
}

// modelFromPath extracts the model segment after "/models/", trimming the
// ":generateContent" style action suffix.
func modelFromPath(url string) string {
	parts := strings.Split(url, "/models/")
	if len(parts) < 2 {
		return ""
	}
	model := parts[1]
	if i := strings.IndexAny(model, ":/?"); i >= 0 {
		model = model[:i]
	}
	return model
}
