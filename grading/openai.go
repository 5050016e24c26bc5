package grading

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend scores through the chat-completions API.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend builds the backend with an explicit API key.
func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	return &OpenAIBackend{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (b *OpenAIBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai completion: %w", errEmptyCompletion)
	}
	return resp.Choices[0].Message.Content, nil
}
