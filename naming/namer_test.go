package naming

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		for _, part := range m.Parts {
			if t, ok := part.(llms.TextContent); ok {
				f.prompts = append(f.prompts, t.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return f.response, f.err
}

func TestLLMNamerParsesResponse(t *testing.T) {
	model := &fakeModel{response: "```json\n{\"name\": \"Summarize ticket\", \"description\": \"Condenses a support ticket.\"}\n```"}
	namer := NewLLMNamer(model, 0, nil)

	name, desc, err := namer.Name(context.Background(), "Summarize the ticket from {{var_0}}")
	require.NoError(t, err)
	assert.Equal(t, "Summarize ticket", name)
	assert.Equal(t, "Condenses a support ticket.", desc)

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "Summarize the ticket from {{var_0}}")
}

func TestLLMNamerModelError(t *testing.T) {
	model := &fakeModel{err: errors.New("rate limited")}
	namer := NewLLMNamer(model, 0, nil)

	_, _, err := namer.Name(context.Background(), "template")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "naming call")
}

func TestLLMNamerRejectsNamelessResponse(t *testing.T) {
	model := &fakeModel{response: `{"name": "  ", "description": "x"}`}
	namer := NewLLMNamer(model, 0, nil)

	_, _, err := namer.Name(context.Background(), "template")
	assert.Error(t, err)
}

func TestLLMNamerRejectsProse(t *testing.T) {
	model := &fakeModel{response: "Sure! Here is a name for your template."}
	namer := NewLLMNamer(model, 0, nil)

	_, _, err := namer.Name(context.Background(), "template")
	assert.Error(t, err)
}

func TestNewModelUnsupported(t *testing.T) {
	_, err := NewModel(context.Background(), "mistral-large")
	assert.Error(t, err)
}
