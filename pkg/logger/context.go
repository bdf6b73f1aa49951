package logger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey struct{}

// TraceIDKey is the context key under which the request trace id is stored.
var TraceIDKey = ctxKey{}

// WithTraceID stores a trace id in ctx. An empty id gets a fresh UUID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id carried by ctx, or "".
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithContext decorates l with the trace id from ctx, if any.
func WithContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	if l == nil {
		l = Log
	}
	if id := GetTraceID(ctx); id != "" {
		return l.With(zap.String("trace_id", id))
	}
	return l
}
