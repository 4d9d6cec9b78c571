package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/arclabs/arcreactor"

// Tracer returns the module tracer from the global provider. Exporter
// setup is the host application's responsibility; without one, spans are
// no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TruncateError shortens an error message for span tags and event payloads.
func TruncateError(msg string, limit int) string {
	if limit <= 0 || len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}
