package shared

import "context"

type ctxKey int

const (
	ctxKeyTraceID ctxKey = iota
	ctxKeyRunID
	ctxKeyTaskID
	ctxKeyInstanceID
	ctxKeyNodeID
)

// WithTraceID attaches a trace id to ctx, used to correlate every log line
// produced while one node execution is in flight.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, id)
}

// TraceID returns the trace id attached to ctx, or "" if none.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTraceID).(string)
	return v
}

// WithRunID attaches a run id (one per task-runner invocation) to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, id)
}

// RunID returns the run id attached to ctx, or "" if none.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRunID).(string)
	return v
}

// WithTaskID attaches the owning task id to ctx.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTaskID, id)
}

// TaskID returns the task id attached to ctx, or "" if none.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTaskID).(string)
	return v
}

// WithInstanceID attaches the workflow instance id to ctx.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyInstanceID, id)
}

// InstanceID returns the instance id attached to ctx, or "" if none.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyInstanceID).(string)
	return v
}

// WithNodeID attaches the currently-executing node id to ctx.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyNodeID, id)
}

// NodeID returns the node id attached to ctx, or "" if none.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyNodeID).(string)
	return v
}
