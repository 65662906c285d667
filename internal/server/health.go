package server

import (
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

// ServiceName is the health service entry for the media session.
const ServiceName = "companion.Session"

// SetServing reports the session as SERVING or NOT_SERVING, both overall
// and under ServiceName.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// GRPCServer returns a gRPC server carrying the health service.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	healthpb.RegisterHealthServer(gs, s.health)
	return gs
}
