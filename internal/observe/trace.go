package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope under which Voiceline spans are
// recorded.
const tracerName = "github.com/voicelinehq/voiceline"

// Tracer returns the Voiceline [trace.Tracer] from the globally registered
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span on the Voiceline tracer. Media streams open one span
// per call so log lines across the STT, generation, and TTS stages share a
// trace ID. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or the empty string
// without one. The HTTP middleware echoes it as X-Correlation-ID so a caller
// can quote the ID when reporting a failed request.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from the span
// in ctx. Outside a span it is just the default logger, so handlers can call
// it unconditionally.
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
