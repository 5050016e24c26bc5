package grading

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// verdictMaxTokens bounds the Anthropic scoring response; a verdict is a
// small JSON object.
const verdictMaxTokens = 1024

// AnthropicBackend scores through the messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend builds the backend with an explicit API key.
func NewAnthropicBackend(apiKey string) *AnthropicBackend {
	return &AnthropicBackend{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (b *AnthropicBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: verdictMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic completion: %w", errEmptyCompletion)
}
