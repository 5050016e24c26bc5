// Package naming derives human-readable task names from prompt templates.
// The grouping worker persists a deterministic fallback first and upgrades
// it asynchronously with whatever a Namer returns, so nothing here sits on
// a critical path.
package naming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Namer produces a short name and one-line description for a prompt
// template.
type Namer interface {
	Name(ctx context.Context, prompt string) (name, description string, err error)
}

const namingPrompt = `You name prompt templates for an LLM observability tool.
Given the template below, respond with only a JSON object of the form
{"name": "...", "description": "..."}. The name is a short imperative label
of at most eight words. The description is one sentence. Placeholders look
like {{var_0}} and stand for runtime values.

Template:
%s`

// LLMNamer calls a langchaingo model with a single prompt per template.
type LLMNamer struct {
	model   llms.Model
	timeout time.Duration
	log     *zap.Logger
}

// NewLLMNamer wraps model. timeout bounds each naming call.
func NewLLMNamer(model llms.Model, timeout time.Duration, log *zap.Logger) *LLMNamer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMNamer{model: model, timeout: timeout, log: log}
}

// NewModel builds the langchaingo model for a model id. Providers read
// their API keys from their usual environment variables.
func NewModel(ctx context.Context, model string) (llms.Model, error) {
	switch {
	case strings.HasPrefix(model, "claude"):
		return anthropic.New(anthropic.WithModel(model))
	case strings.HasPrefix(model, "gemini"):
		return googleai.New(ctx, googleai.WithDefaultModel(model))
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o"):
		return openai.New(openai.WithModel(model))
	default:
		return nil, fmt.Errorf("unsupported naming model %q", model)
	}
}

// Name asks the model for a name and description.
func (n *LLMNamer) Name(ctx context.Context, prompt string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(ctx, n.model, fmt.Sprintf(namingPrompt, prompt))
	if err != nil {
		return "", "", fmt.Errorf("naming call: %w", err)
	}

	var parsed struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &parsed); err != nil {
		n.log.Debug("unparseable naming response", zap.String("response", out))
		return "", "", fmt.Errorf("decode naming response: %w", err)
	}
	if strings.TrimSpace(parsed.Name) == "" {
		return "", "", fmt.Errorf("naming response has no name")
	}
	return strings.TrimSpace(parsed.Name), strings.TrimSpace(parsed.Description), nil
}

// extractJSON trims markdown fences and surrounding prose, keeping the
// outermost JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
