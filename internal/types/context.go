package types

import "context"

type contextKey string

const (
	runIDKey contextKey = "run_id"
	taskKey  contextKey = "task"
	reqIDKey contextKey = "request_id"
)

// WithRunID stores the pipeline run ID in the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// GetRunID retrieves the pipeline run ID from the context.
func GetRunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithTask stores the name of the executing task in the context.
func WithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, taskKey, task)
}

// GetTask retrieves the executing task name from the context.
func GetTask(ctx context.Context) string {
	task, _ := ctx.Value(taskKey).(string)
	return task
}

// WithRequestID stores the HTTP request correlation ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqIDKey, id)
}

// GetRequestID retrieves the HTTP request correlation ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(reqIDKey).(string)
	return id
}
