// Package oteltest provides an in-memory span exporter for tests. The
// pipeline emits spans through the global tracer provider, so tests swap in
// a synchronous provider, run the operation, and flush the recorded spans.
package oteltest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	attr "go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Setup installs a synchronous in-memory tracer provider for the duration
// of the test and returns the exporter holding its spans. The previous
// global provider is restored on cleanup.
func Setup(t *testing.T) *Exporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Errorf("shut down test tracer provider: %v", err)
		}
		otel.SetTracerProvider(original)
	})

	return &Exporter{exporter: exporter, t: t}
}

// Exporter wraps the OTel InMemoryExporter with flush helpers.
type Exporter struct {
	exporter *tracetest.InMemoryExporter
	t        *testing.T
}

// Flush returns the spans recorded so far and clears the buffer.
func (e *Exporter) Flush() []Span {
	stubs := e.exporter.GetSpans()
	e.exporter.Reset()

	spans := make([]Span, len(stubs))
	for i, stub := range stubs {
		spans[i] = Span{t: e.t, Stub: stub}
	}
	return spans
}

// FlushOne returns the single recorded span and fails the test if there is
// not exactly one.
func (e *Exporter) FlushOne() Span {
	e.t.Helper()
	spans := e.Flush()
	require.Len(e.t, spans, 1)
	return spans[0]
}

// ByName flushes and returns only the spans with the given name.
func (e *Exporter) ByName(name string) []Span {
	var matched []Span
	for _, span := range e.Flush() {
		if span.Name() == name {
			matched = append(matched, span)
		}
	}
	return matched
}

// Span wraps a recorded span stub with assertion helpers.
type Span struct {
	t    *testing.T
	Stub tracetest.SpanStub
}

// Name returns the span's name.
func (s *Span) Name() string {
	return s.Stub.Name
}

// Status returns the span's status.
func (s *Span) Status() sdktrace.Status {
	return s.Stub.Status
}

// HasAttr reports whether the span carries an attribute with the key.
func (s *Span) HasAttr(key string) bool {
	for _, kv := range s.Stub.Attributes {
		if string(kv.Key) == key {
			return true
		}
	}
	return false
}

// Attr returns the attribute value for the key and fails if it is absent.
func (s *Span) Attr(key string) attr.Value {
	s.t.Helper()
	for _, kv := range s.Stub.Attributes {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	s.t.Fatalf("span %q has no attribute %q", s.Stub.Name, key)
	return attr.Value{}
}

// AssertAttrEquals asserts one attribute against an expected value.
func (s *Span) AssertAttrEquals(key string, expected any) {
	s.t.Helper()
	value := s.Attr(key)
	switch v := expected.(type) {
	case string:
		assert.Equal(s.t, v, value.AsString())
	case int64:
		assert.Equal(s.t, v, value.AsInt64())
	case int:
		assert.Equal(s.t, int64(v), value.AsInt64())
	case float64:
		assert.Equal(s.t, v, value.AsFloat64())
	case bool:
		assert.Equal(s.t, v, value.AsBool())
	default:
		assert.Failf(s.t, "unsupported type", "expected type %T is not supported", expected)
	}
}
