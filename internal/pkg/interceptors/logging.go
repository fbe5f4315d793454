package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/identity-sagas/internal/pkg/interceptors/constants"
)

// UnaryServerInterceptor stores the request and correlation ids of each call
// in its context, generating a request id when the caller sent none, and
// echoes the request id in the response header.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := GetMetadataValue(ctx, constants.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = WithRequestID(ctx, requestID)
		if correlationID := GetMetadataValue(ctx, constants.HeaderXCorrelationID); correlationID != "" {
			ctx = WithCorrelationID(ctx, correlationID)
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(constants.HeaderXRequestID, requestID))
		return handler(ctx, req)
	}
}

// LoggingServerInterceptor logs every call with its outcome and latency.
// Chain it after UnaryServerInterceptor so the ids are present.
func LoggingServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(ctx),
			"correlation_id", CorrelationIDFromContext(ctx),
		)
		return resp, err
	}
}
