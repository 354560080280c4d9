package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicenexus tracer.
const tracerName = "github.com/MrWong99/voicenexus"

// Tracer returns the [trace.Tracer] backed by the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// SessionAttrs returns the span attributes identifying a voice session.
func SessionAttrs(sessionID, transport string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.transport", transport),
	)
}

// SetOutcome tags span with a session start outcome. Failures other than
// [OutcomeAborted] also record err and mark the span as failed; a start the
// user cancelled is not an error.
func SetOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("session.outcome", outcome))
	if err == nil || outcome == OutcomeAborted {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace ID from the span context in ctx, or the empty
// string when no span with a valid trace ID is active.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the span context in ctx. Without an active span it is the default logger.
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
