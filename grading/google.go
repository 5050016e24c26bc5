package grading

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GoogleBackend scores through the Gemini generateContent API.
type GoogleBackend struct {
	client *genai.Client
}

// NewGoogleBackend builds the backend with an explicit API key.
func NewGoogleBackend(ctx context.Context, apiKey string) (*GoogleBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}
	return &GoogleBackend{client: client}, nil
}

func (b *GoogleBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("google completion: %w", err)
	}
	if text := resp.Text(); text != "" {
		return text, nil
	}
	return "", fmt.Errorf("google completion: %w", errEmptyCompletion)
}
