package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"genqueue/internal/config"
	"genqueue/internal/telemetry"
)

func TestNewTracerProviderDisabled(t *testing.T) {
	tp, shutdown, err := NewTracerProvider(context.Background(), config.Config{}, "genqueue-test", nil)
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewTracerProviderExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := config.Config{Env: "test", TraceExporter: "stdout", TraceSampleRatio: 1}
	tp, shutdown, err := NewTracerProvider(context.Background(), cfg, "genqueue-test", &buf)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Same(t, tp, otel.GetTracerProvider())

	_, span := telemetry.Tracer().Start(context.Background(), "genqueue.job.execute")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "genqueue.job.execute")
	assert.Contains(t, buf.String(), "genqueue-test")
}

func TestNewTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, _, err := NewTracerProvider(context.Background(), config.Config{TraceExporter: "zipkin"}, "genqueue-test", nil)
	require.Error(t, err)
}
