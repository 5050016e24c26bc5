// Package parser converts raw HTTP captures of LLM provider calls into
// normalized trace records. Each provider family has one parser claiming
// URLs by host substring; the registry consults them in declared order and
// the first claim wins.
package parser

import (
	"errors"
	"fmt"

	"github.com/promptloom/promptloom/trace"
)

// ErrUnsupportedProvider is returned when no registered parser claims the
// capture's URL.
var ErrUnsupportedProvider = errors.New("unsupported provider url")

// MalformedRequestError means the capture's request body was not the JSON
// the claiming provider requires. The response body is never required: a
// missing or unreadable response degrades to a request-only record.
type MalformedRequestError struct {
	Provider string
	Err      error
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("%s: malformed request body: %v", e.Provider, e.Err)
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

// Parser converts captures for one provider family.
type Parser interface {
	// CanParse reports whether this parser claims the URL.
	CanParse(url string) bool

	// Parse normalizes the capture. Missing optional fields never fail a
	// parse; the only errors are malformed request JSON.
	Parse(c *trace.Capture) (*trace.Record, error)
}

// Registry holds parsers in consultation order.
type Registry struct {
	parsers []Parser
}

// NewRegistry builds a registry consulting the given parsers in order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Default returns the registry with all built-in providers.
func Default() *Registry {
	return NewRegistry(&OpenAI{}, &Anthropic{}, &Google{})
}

// Parse finds the parser claiming the capture's URL and runs it.
func (r *Registry) Parse(c *trace.Capture) (*trace.Record, error) {
	url := c.URL()
	for _, p := range r.parsers {
		if p.CanParse(url) {
			return p.Parse(c)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, url)
}

// baseRecord carries the capture-level fields every provider shares into a
// fresh record: timestamps, transport error, call path, and metadata. The
// project name rides in the capture metadata because SDK proxies do not
// speak the trace wire shape.
func baseRecord(c *trace.Capture) *trace.Record {
	rec := &trace.Record{
		Project:       "default",
		Model:         "unknown",
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		TraceMetadata: c.Metadata,
	}
	if p, ok := c.Metadata["project"].(string); ok && p != "" {
		rec.Project = p
	}
	if c.Path != nil && *c.Path != "" {
		rec.Path = c.Path
	} else if p, ok := c.Metadata["call_path"].(string); ok && p != "" {
		rec.Path = &p
	}
	if c.Error != "" {
		e := c.Error
		rec.Error = &e
	}
	return rec
}

// captureError pulls a provider error message out of a failed response body
// when the capture itself carried no transport error. All three providers
// use an "error" envelope with a "message" field.
func captureError(rec *trace.Record, raw map[string]any) {
	if rec.Error != nil {
		return
	}
	errObj, ok := raw["error"].(map[string]any)
	if !ok {
		return
	}
	if msg, ok := errObj["message"].(string); ok && msg != "" {
		rec.Error = &msg
	}
}

// Loose-typing helpers for map-walking parsers. Provider JSON numbers decode
// as float64; token counters need ints.

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intField(m map[string]any, key string) *int {
	if m == nil {
		return nil
	}
	if n, ok := asInt(m[key]); ok {
		return &n
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
