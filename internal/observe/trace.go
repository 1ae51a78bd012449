package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope for every roleplay tracer and meter.
const scopeName = "github.com/MrWong99/roleplay"

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the active span in ctx, or "".
// It is echoed to clients in the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type turnKey struct{}

type turnIDs struct {
	session string
	turn    string
}

// WithTurn tags ctx with the practice session and turn being served so that
// [Logger] includes them.
func WithTurn(ctx context.Context, sessionID, turnID string) context.Context {
	return context.WithValue(ctx, turnKey{}, turnIDs{session: sessionID, turn: turnID})
}

// TurnFromContext returns the ids stored by [WithTurn].
func TurnFromContext(ctx context.Context) (sessionID, turnID string, ok bool) {
	ids, ok := ctx.Value(turnKey{}).(turnIDs)
	return ids.session, ids.turn, ok
}

// Logger returns the default logger enriched with the trace and turn
// identifiers found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if session, turn, ok := TurnFromContext(ctx); ok {
		attrs = append(attrs, slog.String("session_id", session))
		if turn != "" {
			attrs = append(attrs, slog.String("turn_id", turn))
		}
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
