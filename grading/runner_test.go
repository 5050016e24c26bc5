package grading

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/promptloom/promptloom/store"
)

type stubBackend struct {
	mu       sync.Mutex
	response string
	err      error
	models   []string
	prompts  []string
}

func (b *stubBackend) Complete(_ context.Context, model, prompt string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = append(b.models, model)
	b.prompts = append(b.prompts, prompt)
	if b.err != nil {
		return "", b.err
	}
	return b.response, nil
}

func (b *stubBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.models)
}

func gradeFixtures(graderModel string) (*store.Grader, *store.Trace, *store.Implementation) {
	instructions := "Summarize the ticket from Acme."
	result := "Acme reports a billing bug."
	grader := &store.Grader{
		ID:     1,
		Name:   "accuracy",
		Model:  graderModel,
		Prompt: "Input: {{var_input}}\nOutput: {{var_output}}\nPrompt: {{var_prompt}}\nModel: {{var_model}}",
	}
	tr := &store.Trace{ID: 7, Model: "gpt-4o", Instructions: &instructions, Result: &result}
	impl := &store.Implementation{ID: 3, Prompt: "Summarize the ticket from {{var_0}}."}
	return grader, tr, impl
}

func TestLLMRunnerRendersPromptAndParsesVerdict(t *testing.T) {
	backend := &stubBackend{response: "Here is my verdict:\n```json\n{\"score\": 0.8, \"reasoning\": \"accurate and concise\"}\n```"}
	runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: backend}, RunnerConfig{}, nil)
	grader, tr, impl := gradeFixtures("gpt-4o")

	score, reasoning, err := runner.Grade(context.Background(), grader, tr, impl)
	require.NoError(t, err)
	assert.Equal(t, 0.8, score)
	assert.Equal(t, "accurate and concise", reasoning)

	require.Len(t, backend.prompts, 1)
	assert.Equal(t, "gpt-4o", backend.models[0])
	prompt := backend.prompts[0]
	assert.Contains(t, prompt, "Input: Summarize the ticket from Acme.")
	assert.Contains(t, prompt, "Output: Acme reports a billing bug.")
	assert.Contains(t, prompt, "Prompt: Summarize the ticket from {{var_0}}.")
	assert.Contains(t, prompt, "Model: gpt-4o")
}

func TestLLMRunnerClampsScores(t *testing.T) {
	cases := []struct {
		raw  float64
		want float64
	}{
		{raw: 3.5, want: 1},
		{raw: -0.2, want: 0},
		{raw: 0.42, want: 0.42},
	}
	for _, tc := range cases {
		backend := &stubBackend{response: fmt.Sprintf(`{"score": %v, "reasoning": "r"}`, tc.raw)}
		runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: backend}, RunnerConfig{}, nil)
		grader, tr, impl := gradeFixtures("gpt-4o")

		score, _, err := runner.Grade(context.Background(), grader, tr, impl)
		require.NoError(t, err)
		assert.Equal(t, tc.want, score, "raw score %v", tc.raw)
	}
}

func TestLLMRunnerRoutesByModelFamily(t *testing.T) {
	cases := []struct {
		model    string
		provider string
	}{
		{model: "gpt-4o", provider: ProviderOpenAI},
		{model: "o3-mini", provider: ProviderOpenAI},
		{model: "claude-sonnet-4-0", provider: ProviderAnthropic},
		{model: "gemini-2.5-flash", provider: ProviderGoogle},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			backends := map[string]Backend{
				ProviderOpenAI:    &stubBackend{response: `{"score": 1, "reasoning": "r"}`},
				ProviderAnthropic: &stubBackend{response: `{"score": 1, "reasoning": "r"}`},
				ProviderGoogle:    &stubBackend{response: `{"score": 1, "reasoning": "r"}`},
			}
			runner := NewLLMRunner(backends, RunnerConfig{}, nil)
			grader, tr, impl := gradeFixtures(tc.model)

			_, _, err := runner.Grade(context.Background(), grader, tr, impl)
			require.NoError(t, err)
			for provider, backend := range backends {
				want := 0
				if provider == tc.provider {
					want = 1
				}
				assert.Equal(t, want, backend.(*stubBackend).callCount(), "provider %s for model %s", provider, tc.model)
			}
		})
	}
}

func TestLLMRunnerRejectsUnknownModelFamily(t *testing.T) {
	runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: &stubBackend{}}, RunnerConfig{}, nil)
	grader, tr, impl := gradeFixtures("mistral-large")

	_, _, err := runner.Grade(context.Background(), grader, tr, impl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no grading backend")
}

func TestLLMRunnerRejectsMissingBackend(t *testing.T) {
	runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: &stubBackend{}}, RunnerConfig{}, nil)
	grader, tr, impl := gradeFixtures("claude-sonnet-4-0")

	_, _, err := runner.Grade(context.Background(), grader, tr, impl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claude-sonnet-4-0")
}

func TestLLMRunnerRejectsProseResponse(t *testing.T) {
	backend := &stubBackend{response: "I think the answer is quite good overall."}
	runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: backend}, RunnerConfig{}, nil)
	grader, tr, impl := gradeFixtures("gpt-4o")

	_, _, err := runner.Grade(context.Background(), grader, tr, impl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON object")
}

func TestLLMRunnerRejectsMalformedVerdict(t *testing.T) {
	backend := &stubBackend{response: `{"score": "high", "reasoning": 5}`}
	runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: backend}, RunnerConfig{}, nil)
	grader, tr, impl := gradeFixtures("gpt-4o")

	_, _, err := runner.Grade(context.Background(), grader, tr, impl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode grader response")
}

func TestLLMRunnerHonorsRateLimit(t *testing.T) {
	backend := &stubBackend{response: `{"score": 1, "reasoning": "r"}`}
	runner := NewLLMRunner(map[string]Backend{ProviderOpenAI: backend}, RunnerConfig{RateLimit: rate.Every(time.Hour), Burst: 1}, nil)
	grader, tr, impl := gradeFixtures("gpt-4o")

	_, _, err := runner.Grade(context.Background(), grader, tr, impl)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = runner.Grade(ctx, grader, tr, impl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, backend.callCount(), "second call never reaches the backend")
}

func TestGradingBindingsTolerateMissingFields(t *testing.T) {
	tr := &store.Trace{ID: 7, Model: "gpt-4o"}
	bindings := gradingBindings(tr, nil)

	assert.Equal(t, "", bindings[VarInput])
	assert.Equal(t, "", bindings[VarOutput])
	assert.Equal(t, "", bindings[VarPrompt])
	assert.Equal(t, "gpt-4o", bindings[VarModel])
}
