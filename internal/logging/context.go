package logging

import (
	"context"

	"go.uber.org/zap"
)

type requestCtxKey struct{}
type jobCtxKey struct{}
type blockCtxKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, id)
}

func WithBlockID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, blockCtxKey{}, id)
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if v, ok := ctx.Value(requestCtxKey{}).(string); ok && v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	if v, ok := ctx.Value(jobCtxKey{}).(string); ok && v != "" {
		fields = append(fields, zap.String("job.id", v))
	}
	if v, ok := ctx.Value(blockCtxKey{}).(string); ok && v != "" {
		fields = append(fields, zap.String("block.id", v))
	}
	return fields
}
