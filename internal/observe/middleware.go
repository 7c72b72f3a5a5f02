package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps operations endpoint handlers with a server span, the
// X-Trace-ID response header, a latency sample and a completion log line.
// Probe paths (/healthz, /readyz, /metrics) log at debug level since they are
// polled continuously.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagator

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			tid := TraceID(ctx)
			if tid != "" {
				w.Header().Set("X-Trace-ID", tid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if isProbePath(r.URL.Path) {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", tid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}

func isProbePath(p string) bool {
	switch p {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
