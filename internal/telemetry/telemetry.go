// Package telemetry wires the process tracer provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/config"
)

// Setup configures the global tracer provider from cfg and returns a
// shutdown function. With no OTLP endpoint and stdout tracing off it leaves
// the default no-op provider in place.
func Setup(ctx context.Context, cfg *config.Config, log *zap.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var exporters []sdktrace.SpanExporter
	if cfg.OTELEndpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTELEndpoint)}
		if cfg.OTELInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	}
	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	}

	if len(exporters) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	opts := make([]sdktrace.TracerProviderOption, 0, len(exporters))
	for _, exporter := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled",
		zap.String("endpoint", cfg.OTELEndpoint),
		zap.Bool("stdout", cfg.TraceStdout))

	return tp.Shutdown, nil
}
