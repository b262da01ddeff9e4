package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceTokenHeader = "x-service-token"
	// ServiceName is the health service key callers check.
	ServiceName = "koresoft.deviceidentity.v1"
)

// Server bundles the gRPC server with its health reporter.
type Server struct {
	*grpc.Server
	health *health.Server
}

// NewServer builds the internal gRPC surface. When serviceToken is empty the
// health endpoint is open, which is the usual setup behind a mesh.
func NewServer(serviceToken string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []grpc.ServerOption
	if serviceToken != "" {
		opts = append(opts, grpc.UnaryInterceptor(NewServiceAuthUnaryInterceptor(serviceToken, logger)))
	} else {
		logger.Warn("grpc service auth disabled: SERVICE_AUTH_TOKEN not set")
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	s := &Server{Server: srv, health: hs}
	s.SetServing(true)
	return s
}

// SetServing flips the overall and per-service health status.
func (s *Server) SetServing(serving bool) {
	state := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		state = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", state)
	s.health.SetServingStatus(ServiceName, state)
}

// Shutdown reports NOT_SERVING then drains in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}

func NewServiceAuthUnaryInterceptor(expectedToken string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := serviceTokenFromMetadata(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing_service_token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			logger.Warn("grpc call with invalid service token", zap.String("method", info.FullMethod))
			return nil, status.Error(codes.PermissionDenied, "invalid_service_token")
		}
		return handler(ctx, req)
	}
}

func serviceTokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(serviceTokenHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
