package observe

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the parley tracer.
const tracerName = "github.com/MrWong99/parley"

// propagator carries W3C trace context across the dialogue backend boundary
// and into the operations endpoint.
var propagator = propagation.TraceContext{}

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// InjectHeaders writes the trace context of ctx into h so that an outbound
// request joins the current trace.
func InjectHeaders(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// TraceID returns the hex trace ID of the active span in ctx, or "" when
// there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the span context in ctx. Without an active span it is slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
