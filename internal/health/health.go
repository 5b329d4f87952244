// Package health exposes the ingestion pipeline's state through the
// standard gRPC health service so process supervisors can check it.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/basestation/internal/monitoring"
)

// Service is the name probes use for the ingestion pipeline. The empty
// name reports the same status for the server as a whole.
const Service = "basestation.Pipeline"

// DefaultPollInterval is how often the checker is sampled.
const DefaultPollInterval = time.Second

// Checker reports whether the pipeline is accepting and persisting work.
type Checker interface {
	Healthy() bool
}

// Server serves grpc.health.v1 backed by a Checker.
type Server struct {
	checker  Checker
	interval time.Duration

	health *grpchealth.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(checker Checker, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &Server{
		checker:  checker,
		interval: interval,
		health:   grpchealth.NewServer(),
		server:   grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.update()
	return s
}

func (s *Server) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.checker.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Serve listens on addr and blocks until ctx is done. The serving status is
// refreshed every poll interval.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[health] gRPC health service listening on %s", lis.Addr())
		errc <- s.server.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.update()
		case err := <-errc:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ctx.Done():
			s.health.Shutdown()
			s.server.GracefulStop()
			<-errc
			monitoring.Logf("[health] gRPC health service stopped")
			return nil
		}
	}
}

// Addr returns the listening address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
