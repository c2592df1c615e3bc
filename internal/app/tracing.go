package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"genqueue/internal/config"
)

// NewTracerProvider installs a global TracerProvider exporting spans per
// TRACE_EXPORTER and returns its shutdown func. With no exporter configured
// it returns nil and a no-op shutdown, leaving the global no-op provider.
// w receives stdout spans; nil means os.Stdout.
func NewTracerProvider(ctx context.Context, cfg config.Config, service string, w io.Writer) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch strings.ToLower(cfg.TraceExporter) {
	case "":
		return nil, noop, nil
	case "stdout":
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, noop, fmt.Errorf("stdout exporter: %w", err)
		}
		exporter = exp
	case "otlp":
		var opts []otlptracehttp.Option
		if cfg.TraceOTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.TraceOTLPEndpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("otlp exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, noop, fmt.Errorf("unknown TRACE_EXPORTER %q", cfg.TraceExporter)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("deployment.environment", cfg.Env),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, tp.Shutdown, nil
}
