package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestCtxKey struct{}
type loopCtxKey struct{}
type opCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id := LoopIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("loop.id", id))
	}
	if op := OperationFromContext(ctx); op != "" {
		fields = append(fields, zap.String("op", op))
	}
	return fields
}

// WithRequestID adds a request id to ctx. Empty or oversized ids are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" || len(requestID) > 128 {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLoopID adds the entity id being operated on.
func WithLoopID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, loopCtxKey{}, id)
}

// LoopIDFromContext returns the entity id, or "".
func LoopIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(loopCtxKey{}).(string)
	return s
}

// WithOperation records the operation name, e.g. "lifecycle.promote".
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opCtxKey{}, op)
}

// OperationFromContext returns the operation name, or "".
func OperationFromContext(ctx context.Context) string {
	s, _ := ctx.Value(opCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
