// Package config provides configuration for the PromptLoom server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Values are resolved in three
// layers: Default, then an optional YAML file, then PROMPTLOOM_* environment
// variables.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	// Grouping
	MinClusterSize          int    `yaml:"min_cluster_size"`
	MinMatchingTraces       int    `yaml:"min_matching_traces"`
	MinSegmentWords         int    `yaml:"min_segment_words"`
	QueueCapacity           int    `yaml:"queue_capacity"`
	WorkerPollTimeoutMs     int    `yaml:"worker_poll_timeout_ms"`
	WorkerShutdownTimeoutMs int    `yaml:"worker_shutdown_timeout_ms"`
	SweepSchedule           string `yaml:"sweep_schedule"`
	DefaultMaxOutputTokens  int    `yaml:"default_max_output_tokens"`

	// Grading
	TraceEvaluationPercentage float64 `yaml:"trace_evaluation_percentage"`
	GradingRateLimit          float64 `yaml:"grading_rate_limit"`
	GradingBurst              int     `yaml:"grading_burst"`
	GradingTimeoutMs          int     `yaml:"grading_timeout_ms"`

	// Naming
	NamingModel     string `yaml:"naming_model"`
	NamingTimeoutMs int    `yaml:"naming_timeout_ms"`

	// Telemetry
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`

	// Provider credentials for grading and naming calls.
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GoogleAPIKey    string `yaml:"google_api_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:                ":8080",
		LogLevel:                  "info",
		LogFormat:                 "json",
		MinClusterSize:            2,
		MinMatchingTraces:         2,
		MinSegmentWords:           3,
		QueueCapacity:             1000,
		WorkerPollTimeoutMs:       1000,
		WorkerShutdownTimeoutMs:   5000,
		SweepSchedule:             "@every 10m",
		DefaultMaxOutputTokens:    1000,
		TraceEvaluationPercentage: 0,
		GradingRateLimit:          1,
		GradingBurst:              5,
		GradingTimeoutMs:          30000,
		NamingModel:               "gpt-4o-mini",
		NamingTimeoutMs:           15000,
	}
}

// Load resolves the configuration: defaults, then the YAML file at path if
// path is non-empty, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides
// applied. It does not validate; callers that skip Load should call Validate.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv overlays PROMPTLOOM_* environment variables. Provider API keys
// also fall back to the conventional provider variables.
func (c *Config) applyEnv() {
	c.ListenAddr = envString("PROMPTLOOM_LISTEN_ADDR", c.ListenAddr)
	c.DatabaseURL = envString("PROMPTLOOM_DATABASE_URL", c.DatabaseURL)
	c.LogLevel = envString("PROMPTLOOM_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("PROMPTLOOM_LOG_FORMAT", c.LogFormat)

	c.MinClusterSize = envInt("PROMPTLOOM_MIN_CLUSTER_SIZE", c.MinClusterSize)
	c.MinMatchingTraces = envInt("PROMPTLOOM_MIN_MATCHING_TRACES", c.MinMatchingTraces)
	c.MinSegmentWords = envInt("PROMPTLOOM_MIN_SEGMENT_WORDS", c.MinSegmentWords)
	c.QueueCapacity = envInt("PROMPTLOOM_QUEUE_CAPACITY", c.QueueCapacity)
	c.WorkerPollTimeoutMs = envInt("PROMPTLOOM_WORKER_POLL_TIMEOUT_MS", c.WorkerPollTimeoutMs)
	c.WorkerShutdownTimeoutMs = envInt("PROMPTLOOM_WORKER_SHUTDOWN_TIMEOUT_MS", c.WorkerShutdownTimeoutMs)
	c.SweepSchedule = envString("PROMPTLOOM_SWEEP_SCHEDULE", c.SweepSchedule)
	c.DefaultMaxOutputTokens = envInt("PROMPTLOOM_DEFAULT_MAX_OUTPUT_TOKENS", c.DefaultMaxOutputTokens)

	c.TraceEvaluationPercentage = envFloat("PROMPTLOOM_TRACE_EVALUATION_PERCENTAGE", c.TraceEvaluationPercentage)
	c.GradingRateLimit = envFloat("PROMPTLOOM_GRADING_RATE_LIMIT", c.GradingRateLimit)
	c.GradingBurst = envInt("PROMPTLOOM_GRADING_BURST", c.GradingBurst)
	c.GradingTimeoutMs = envInt("PROMPTLOOM_GRADING_TIMEOUT_MS", c.GradingTimeoutMs)

	c.NamingModel = envString("PROMPTLOOM_NAMING_MODEL", c.NamingModel)
	c.NamingTimeoutMs = envInt("PROMPTLOOM_NAMING_TIMEOUT_MS", c.NamingTimeoutMs)

	c.OTELEndpoint = envString("PROMPTLOOM_OTEL_ENDPOINT", c.OTELEndpoint)
	c.OTELInsecure = envBool("PROMPTLOOM_OTEL_INSECURE", c.OTELInsecure)
	c.TraceStdout = envBool("PROMPTLOOM_TRACE_STDOUT", c.TraceStdout)

	c.OpenAIAPIKey = envString("PROMPTLOOM_OPENAI_API_KEY", envString("OPENAI_API_KEY", c.OpenAIAPIKey))
	c.AnthropicAPIKey = envString("PROMPTLOOM_ANTHROPIC_API_KEY", envString("ANTHROPIC_API_KEY", c.AnthropicAPIKey))
	c.GoogleAPIKey = envString("PROMPTLOOM_GOOGLE_API_KEY", envString("GOOGLE_API_KEY", c.GoogleAPIKey))
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MinClusterSize < 1 {
		return fmt.Errorf("min_cluster_size must be at least 1, got %d", c.MinClusterSize)
	}
	if c.MinMatchingTraces < 1 {
		return fmt.Errorf("min_matching_traces must be at least 1, got %d", c.MinMatchingTraces)
	}
	if c.MinSegmentWords < 1 {
		return fmt.Errorf("min_segment_words must be at least 1, got %d", c.MinSegmentWords)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.WorkerPollTimeoutMs < 1 {
		return fmt.Errorf("worker_poll_timeout_ms must be positive, got %d", c.WorkerPollTimeoutMs)
	}
	if c.TraceEvaluationPercentage < 0 || c.TraceEvaluationPercentage > 100 {
		return fmt.Errorf("trace_evaluation_percentage must be within [0, 100], got %v", c.TraceEvaluationPercentage)
	}
	if c.GradingRateLimit <= 0 {
		return fmt.Errorf("grading_rate_limit must be positive, got %v", c.GradingRateLimit)
	}
	if c.DefaultMaxOutputTokens < 1 {
		return fmt.Errorf("default_max_output_tokens must be positive, got %d", c.DefaultMaxOutputTokens)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// WorkerPollTimeout is the dequeue wait as a duration.
func (c *Config) WorkerPollTimeout() time.Duration {
	return time.Duration(c.WorkerPollTimeoutMs) * time.Millisecond
}

// WorkerShutdownTimeout bounds the worker drain on shutdown.
func (c *Config) WorkerShutdownTimeout() time.Duration {
	return time.Duration(c.WorkerShutdownTimeoutMs) * time.Millisecond
}

// GradingTimeout bounds a single grading call.
func (c *Config) GradingTimeout() time.Duration {
	return time.Duration(c.GradingTimeoutMs) * time.Millisecond
}

// NamingTimeout bounds a single naming call.
func (c *Config) NamingTimeout() time.Duration {
	return time.Duration(c.NamingTimeoutMs) * time.Millisecond
}

// envString returns the trimmed environment variable value or the default.
func envString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// envInt returns the environment variable as an int or the default.
func envInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// envFloat returns the environment variable as a float64 or the default.
func envFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// envBool returns the environment variable as a bool or the default.
func envBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(strings.TrimSpace(value)) == "true"
	}
	return defaultValue
}
