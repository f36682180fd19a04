package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every cronkeep span.
const TracerName = "github.com/flemzord/cronkeep"

// Span names.
const (
	SpanTick = "scheduler.tick"
	SpanRun  = "job.run"
)

// Tracer returns the cronkeep tracer from the global provider. Without the
// telemetry.otel module the global provider is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
