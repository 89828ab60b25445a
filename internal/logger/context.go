package logger

import "context"

type contextKey string

const TraceIDKey contextKey = "trace_id"
const SandboxIDKey contextKey = "sandbox_id"

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

func WithSandboxID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SandboxIDKey, id)
}

func GetSandboxID(ctx context.Context) string {
	if id, ok := ctx.Value(SandboxIDKey).(string); ok {
		return id
	}
	return ""
}
