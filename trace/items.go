package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ItemType discriminates the closed set of trace input item variants.
type ItemType string

const (
	ItemMessage        ItemType = "message"
	ItemFunctionCall   ItemType = "function_call"
	ItemFunctionResult ItemType = "function_result"
	ItemToolCall       ItemType = "tool_call"
	ItemToolResult     ItemType = "tool_result"
	ItemMCPToolCall    ItemType = "mcp_tool_call"
	ItemMCPToolResult  ItemType = "mcp_tool_result"
	ItemImage          ItemType = "image"
	ItemVideo          ItemType = "video"
	ItemAudio          ItemType = "audio"
)

var itemTypes = map[ItemType]bool{
	ItemMessage:        true,
	ItemFunctionCall:   true,
	ItemFunctionResult: true,
	ItemToolCall:       true,
	ItemToolResult:     true,
	ItemMCPToolCall:    true,
	ItemMCPToolResult:  true,
	ItemImage:          true,
	ItemVideo:          true,
	ItemAudio:          true,
}

// Role is a conversational role on a message item.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
)

var roles = map[Role]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
	RoleDeveloper: true,
	RoleTool:      true,
}

// ErrUnknownItemType marks an input item whose type tag is outside the
// closed set. The API boundary reports it as a bad request.
var ErrUnknownItemType = errors.New("unknown input item type")

// ErrInvalidItem marks an input item missing a field its variant requires.
var ErrInvalidItem = errors.New("invalid input item")

// InputItem is a single positional element of a trace's input: one
// conversational turn or one structured datum. The Type tag decides which
// fields are meaningful.
type InputItem struct {
	Type ItemType `json:"type"`

	// message
	Role       Role       `json:"role,omitempty"`
	Content    any        `json:"content,omitempty"` // string or structured parts list
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`

	// function_call / tool_call / mcp_tool_call and their results
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments any    `json:"arguments,omitempty"` // JSON string (OpenAI) or object (Google)
	Output    any    `json:"output,omitempty"`

	// image / video / audio
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// UnmarshalJSON enforces the closed variant set and per-variant required
// fields at the deserialization boundary.
func (i *InputItem) UnmarshalJSON(data []byte) error {
	type plain InputItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	item := InputItem(p)
	if err := item.Validate(); err != nil {
		return err
	}
	*i = item
	return nil
}

// Validate checks the type tag and the fields the variant requires.
func (i *InputItem) Validate() error {
	if !itemTypes[i.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownItemType, i.Type)
	}
	switch i.Type {
	case ItemMessage:
		if !roles[i.Role] {
			return fmt.Errorf("%w: message role %q", ErrInvalidItem, i.Role)
		}
	case ItemFunctionCall, ItemToolCall, ItemMCPToolCall:
		if i.Name == "" {
			return fmt.Errorf("%w: %s without a name", ErrInvalidItem, i.Type)
		}
	case ItemImage, ItemVideo, ItemAudio:
		if i.URL == "" && i.Data == "" {
			return fmt.Errorf("%w: %s without url or data", ErrInvalidItem, i.Type)
		}
	}
	return nil
}

// ToolDefinition is the normalized tool shape shared by all providers.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function exposed to the model.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation requested by the model inside a message.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its serialized arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Instructions returns the string templates are matched against: the text
// of the first system message, else the first developer message, else the
// first user message. The second value is false when no such text exists.
func Instructions(items []InputItem) (string, bool) {
	for _, role := range []Role{RoleSystem, RoleDeveloper, RoleUser} {
		if s, ok := firstMessageText(items, role); ok {
			return s, true
		}
	}
	return "", false
}

func firstMessageText(items []InputItem, role Role) (string, bool) {
	for _, item := range items {
		if item.Type != ItemMessage || item.Role != role {
			continue
		}
		if s, ok := MessageText(item.Content); ok {
			return s, true
		}
	}
	return "", false
}

// MessageText extracts the textual content of a message: the string itself,
// or the newline-joined "text" fields of a structured parts list. ok is
// false when the message carries no text.
func MessageText(content any) (string, bool) {
	switch v := content.(type) {
	case string:
		return v, v != ""
	case []any:
		return joinTextParts(v)
	case []map[string]any:
		parts := make([]any, len(v))
		for i := range v {
			parts[i] = v[i]
		}
		return joinTextParts(parts)
	}
	return "", false
}

func joinTextParts(parts []any) (string, bool) {
	var texts []string
	for _, p := range parts {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["text"].(string); ok && t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return "", false
	}
	return strings.Join(texts, "\n"), true
}
