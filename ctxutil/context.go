package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

// Context keys
const (
	// TraceIDKey is the context key for trace id
	TraceIDKey = "trace_id"
)

type contextKey string

// GetValue gets a value from context.Context
func GetValue(ctx context.Context, key string) any {
	if ctx == nil {
		return nil
	}
	return ctx.Value(contextKey(key))
}

// SetValue sets a value to context.Context
func SetValue(ctx context.Context, key string, value any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey(key), value)
}

// GetTraceID gets trace id from context.Context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := GetValue(ctx, TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// SetTraceID sets trace id to context.Context
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return SetValue(ctx, TraceIDKey, traceID)
}

// EnsureTraceID ensures that a trace ID exists in the context.
// Returns the context and the trace ID.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if traceID := GetTraceID(ctx); traceID != "" {
		return ctx, traceID
	}
	traceID := uuid.NewString()
	return SetTraceID(ctx, traceID), traceID
}
