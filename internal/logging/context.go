package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTrace attaches a trace id (usually the master trade id) to both the
// context and a derived logger so fan-out work can be correlated.
func WithTrace(ctx context.Context, l zerolog.Logger, traceID string) (context.Context, zerolog.Logger) {
	child := l.With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return child.WithContext(ctx), child
}

// TraceID returns the trace id stored in ctx, if any.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns the logger stored in ctx, falling back to Default.
func FromContext(ctx context.Context) zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l == nil || l.GetLevel() == zerolog.Disabled {
		return Default()
	}
	return *l
}
