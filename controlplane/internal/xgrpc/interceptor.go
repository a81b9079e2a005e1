package xgrpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// AccessLogInterceptor returns a gRPC unary server interceptor that logs
// requests and responses.
//
// The interceptor logs:
// - Debug: method entry with the decoded request
// - Info: successful completion with duration and status
// - Error: failed calls with duration, status and error message
func AccessLogInterceptor(log *zap.SugaredLogger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		now := time.Now()
		log := log.With(methodFields(info.FullMethod)...)

		if log.Level().Enabled(zap.DebugLevel) {
			log.Debugw("started gRPC execution", zap.Any("request", req))
		}

		resp, err := handler(ctx, req)
		duration := time.Since(now)
		status, _ := status.FromError(err)

		if err != nil {
			log.Errorw("failed to execute gRPC",
				zap.String("status", status.Code().String()),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			log.Infow("completed gRPC execution",
				zap.String("status", status.Code().String()),
				zap.Duration("duration", duration),
			)
		}

		return resp, err
	}
}

func methodFields(fullMethod string) []any {
	m, err := ParseFullMethod(fullMethod)
	if err != nil {
		return []any{zap.String("method", fullMethod)}
	}
	return []any{zap.String("service", m.Service), zap.String("method", m.Name)}
}
