// Package grading fans matched traces out to evaluator prompts. The
// dispatcher samples traces and schedules one execution per configured
// grader; a Runner scores each execution against the grader's model, off
// the ingestion path.
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
	"golang.org/x/time/rate"

	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/template"
)

// Well-known placeholder names a grader prompt can use.
const (
	VarInput  = "var_input"
	VarOutput = "var_output"
	VarPrompt = "var_prompt"
	VarModel  = "var_model"
)

// Backend keys, one per provider family.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Runner scores one trace with one grader. Implementations must be safe for
// concurrent use; executions run in parallel goroutines.
type Runner interface {
	Grade(ctx context.Context, grader *store.Grader, tr *store.Trace, impl *store.Implementation) (score float64, reasoning string, err error)
}

// Backend executes one scoring completion against a provider.
type Backend interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// RunnerConfig bounds the runner's provider calls.
type RunnerConfig struct {
	// RateLimit caps scoring calls per second across all providers.
	// Zero means one call per second.
	RateLimit rate.Limit

	// Burst is the limiter burst size. Zero means 5.
	Burst int

	// Timeout bounds a single scoring call. Zero means 30s.
	Timeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.RateLimit <= 0 {
		c.RateLimit = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// LLMRunner renders the grader prompt with the trace's bindings and asks
// the grader's own model for a JSON verdict.
type LLMRunner struct {
	backends map[string]Backend
	limiter  *rate.Limiter
	timeout  time.Duration
	log      *zap.Logger
}

// NewLLMRunner builds a runner over the given provider backends. Providers
// without a backend fail their executions individually.
func NewLLMRunner(backends map[string]Backend, cfg RunnerConfig, log *zap.Logger) *LLMRunner {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMRunner{
		backends: backends,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		timeout:  cfg.Timeout,
		log:      log,
	}
}

// Grade renders, calls and parses. The returned score is clamped to [0, 1].
func (r *LLMRunner) Grade(ctx context.Context, grader *store.Grader, tr *store.Trace, impl *store.Implementation) (float64, string, error) {
	backend := r.backends[providerFor(grader.Model)]
	if backend == nil {
		return 0, "", fmt.Errorf("no grading backend for model %q", grader.Model)
	}

	prompt := template.Render(grader.Prompt, gradingBindings(tr, impl))

	if err := r.limiter.Wait(ctx); err != nil {
		return 0, "", fmt.Errorf("grading rate limit: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := backend.Complete(callCtx, grader.Model, prompt)
	if err != nil {
		return 0, "", fmt.Errorf("grading call: %w", err)
	}

	v, err := parseVerdict(out)
	if err != nil {
		return 0, "", err
	}
	return clamp(v.Score, 0, 1), strings.TrimSpace(v.Reasoning), nil
}

// gradingBindings maps the well-known placeholders onto one trace. Unused
// placeholders render empty, so grader prompts pick whichever they need.
func gradingBindings(tr *store.Trace, impl *store.Implementation) map[string]string {
	b := map[string]string{
		VarInput:  "",
		VarOutput: "",
		VarPrompt: "",
		VarModel:  tr.Model,
	}
	if tr.Instructions != nil {
		b[VarInput] = *tr.Instructions
	}
	if tr.Result != nil {
		b[VarOutput] = *tr.Result
	}
	if impl != nil {
		b[VarPrompt] = impl.Prompt
	}
	return b
}

// providerFor maps a model name onto its backend key, mirroring the model
// families the parsers recognize. Unknown families return "".
func providerFor(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(model, "gemini"):
		return ProviderGoogle
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o"):
		return ProviderOpenAI
	}
	return ""
}

type verdict struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// parseVerdict pulls the {"score", "reasoning"} object out of a response
// that may wrap it in code fences or prose.
func parseVerdict(out string) (verdict, error) {
	var v verdict
	raw := extractJSON(out)
	if raw == "" {
		return v, fmt.Errorf("no JSON object in grader response %q", snippet(out))
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode grader response: %w", err)
	}
	return v, nil
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func snippet(s string) string {
	runes := []rune(s)
	if len(runes) <= 80 {
		return s
	}
	return string(runes[:80]) + "..."
}

// clamp pins v into [lo, hi].
func clamp[T constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Backends assembles the provider map from whichever API keys are set. A
// missing key leaves that provider out, failing its executions one by one
// instead of the whole process.
func Backends(ctx context.Context, openaiKey, anthropicKey, googleKey string, log *zap.Logger) map[string]Backend {
	if log == nil {
		log = zap.NewNop()
	}
	backends := make(map[string]Backend)
	if openaiKey != "" {
		backends[ProviderOpenAI] = NewOpenAIBackend(openaiKey)
	}
	if anthropicKey != "" {
		backends[ProviderAnthropic] = NewAnthropicBackend(anthropicKey)
	}
	if googleKey != "" {
		b, err := NewGoogleBackend(ctx, googleKey)
		if err != nil {
			log.Warn("google grading backend unavailable", zap.Error(err))
		} else {
			backends[ProviderGoogle] = b
		}
	}
	return backends
}

var errEmptyCompletion = errors.New("empty completion")
