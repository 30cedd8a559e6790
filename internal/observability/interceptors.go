package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"ai-speech-sentence-service/internal/observability/metrics"
)

// UnaryServerInterceptor logs and counts unary calls.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(m, info.FullMethod, "unary", err, time.Since(start))
		return resp, err
	}
}

// StreamServerInterceptor logs and counts streaming calls such as
// Health/Watch.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		observe(m, info.FullMethod, "stream", err, time.Since(start))
		return err
	}
}

func observe(m *metrics.Metrics, method, kind string, err error, d time.Duration) {
	code := status.Code(err).String()
	m.RecordRPC(method, code)
	log.Debug().
		Str("method", method).
		Str("kind", kind).
		Str("code", code).
		Dur("duration", d).
		Msg("gRPC call")
}
