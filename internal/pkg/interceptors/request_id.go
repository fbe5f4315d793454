// Package interceptors carries request and correlation ids through contexts
// and gRPC metadata, and provides the gRPC server interceptors that set them.
package interceptors

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/identity-sagas/internal/pkg/interceptors/constants"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyCorrelationID, id)
}

// RequestIDFromContext returns the request id stored in ctx or carried in its
// gRPC metadata, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok {
		return id
	}
	return GetMetadataValue(ctx, constants.HeaderXRequestID)
}

// CorrelationIDFromContext returns the saga correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyCorrelationID).(string); ok {
		return id
	}
	return GetMetadataValue(ctx, constants.HeaderXCorrelationID)
}

// ContextWithPropagatedIDs copies the ids of ctx into outgoing gRPC metadata.
func ContextWithPropagatedIDs(ctx context.Context) context.Context {
	if id := RequestIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, constants.HeaderXRequestID, id)
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, constants.HeaderXCorrelationID, id)
	}
	return ctx
}

// GetMetadataValue reads key from incoming, then outgoing, gRPC metadata.
func GetMetadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}
