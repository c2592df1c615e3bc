package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for genqueue spans.
const TracerName = "genqueue"

// Tracer returns the genqueue tracer from the global provider. Without a
// configured provider it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
