package grpchealth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/wudi/runtime-gateway/internal/logging"
)

// ErrNotLoopback is returned for a routable bind address.
var ErrNotLoopback = errors.New("grpc health address is not loopback")

// StatusFunc reports the health of a named service. The empty name is the
// gateway as a whole. known is false for names the gateway has never heard of.
type StatusFunc func(service string) (serving, known bool)

// Config holds gRPC health server configuration
type Config struct {
	ID           string
	Address      string
	Status       StatusFunc
	PollInterval time.Duration // Watch re-evaluation period, default 1s
}

// Server implements grpc.health.v1.Health over the gateway's readiness and
// the per-service registry state. It satisfies listener.Listener.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	id         string
	address    string
	status     StatusFunc
	poll       time.Duration
	grpcServer *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a gRPC health server. The address must be loopback.
func NewServer(cfg Config) (*Server, error) {
	if !isLoopbackHost(cfg.Address) {
		return nil, fmt.Errorf("%w: %q", ErrNotLoopback, cfg.Address)
	}
	if cfg.Status == nil {
		return nil, errors.New("grpc health: status func is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ID == "" {
		cfg.ID = "grpc-health"
	}

	s := &Server{
		id:         cfg.ID,
		address:    cfg.Address,
		status:     cfg.Status,
		poll:       cfg.PollInterval,
		grpcServer: grpc.NewServer(),
	}
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s)
	return s, nil
}

func (s *Server) servingStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	serving, known := s.status(service)
	switch {
	case !known:
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	case serving:
		return grpc_health_v1.HealthCheckResponse_SERVING
	default:
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
}

// Check implements grpc_health_v1.HealthServer.
func (s *Server) Check(_ context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	st := s.servingStatus(req.GetService())
	if st == grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch implements grpc_health_v1.HealthServer. It sends the current status
// immediately and again whenever it changes.
func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc.ServerStreamingServer[grpc_health_v1.HealthCheckResponse]) error {
	service := req.GetService()
	last := s.servingStatus(service)
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: last}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current := s.servingStatus(service)
			if current == last {
				continue
			}
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
				return err
			}
			last = current
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// ID returns the listener ID
func (s *Server) ID() string {
	return s.id
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Start binds the address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logging.Error("gRPC health listener stopped", zap.String("id", s.id), zap.Error(err))
		}
	}()
	return nil
}

// Stop drains open Watch streams until ctx ends, then closes hard.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

func isLoopbackHost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
