// Package tracing installs the process-wide OpenTelemetry tracer provider
// that the decision committer and the HTTP layer report spans to.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by the trace.exporter config key.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects and configures the span exporter.
type Config struct {
	Exporter     string
	OTLPEndpoint string // optional; otlptracehttp falls back to OTEL_EXPORTER_OTLP_* env
	ServiceName  string
	Writer       io.Writer // stdout exporter target, os.Stderr when nil
}

// Setup builds a batching tracer provider for cfg.Exporter and installs it
// globally. The returned shutdown flushes pending spans and must be called
// before the process exits. With ExporterNone (or an empty exporter) the
// global no-op provider is left in place.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var exp sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		e, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return noop, fmt.Errorf("creating stdout exporter: %w", err)
		}
		exp = e
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		}
		e, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return noop, fmt.Errorf("creating otlp exporter: %w", err)
		}
		exp = e
	default:
		return noop, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "evalq"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
