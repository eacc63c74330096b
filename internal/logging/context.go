package logging

import (
	"context"

	"go.uber.org/zap"
)

type runCtxKey struct{}
type deliveryCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 2)
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := DeliveryIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("delivery.id", id))
	}
	return fields
}

// WithRunID adds a run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run ID from context.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runCtxKey{}).(string)
	return id
}

// WithDeliveryID adds a webhook delivery ID to context.
func WithDeliveryID(ctx context.Context, deliveryID string) context.Context {
	if deliveryID == "" {
		return ctx
	}
	return context.WithValue(ctx, deliveryCtxKey{}, deliveryID)
}

// DeliveryIDFromContext extracts the webhook delivery ID from context.
func DeliveryIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deliveryCtxKey{}).(string)
	return id
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger if none is set.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
