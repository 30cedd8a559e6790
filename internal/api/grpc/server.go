// Package grpcapi exposes the gRPC health service.
package grpcapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ai-speech-sentence-service/internal/observability"
	"ai-speech-sentence-service/internal/observability/metrics"
)

// ServiceName is the health-check name for the recording service.
const ServiceName = "ai.speech.sentence.RecordingService"

// Server bundles the gRPC server and its health state.
type Server struct {
	*grpc.Server
	health *health.Server
}

// New builds an instrumented gRPC server with health and reflection
// registered. Both the overall and the named service start NOT_SERVING.
func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)
	h := health.NewServer()
	healthpb.RegisterHealthServer(g, h)
	reflection.Register(g)

	s := &Server{Server: g, health: h}
	s.SetServing(false)
	return s
}

// SetServing flips the overall and named service status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks the service down and drains in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}
