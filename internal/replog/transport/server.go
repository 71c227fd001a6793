package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	"replog/internal/replog"
)

// Server exposes the AppendEntries handler of one participant over gRPC
type Server struct {
	ID      replog.ParticipantID
	handler replog.AppendEntriesHandler
	logger  replog.Logger

	grpcServer *grpc.Server

	mu      sync.RWMutex
	address string
}

func NewServer(id replog.ParticipantID, handler replog.AppendEntriesHandler, logger replog.Logger) *Server {
	if logger == nil {
		logger = replog.NewStdLogger("TRANSPORT")
	}

	s := &Server{
		ID:      id,
		handler: handler,
		logger:  logger,
	}
	s.grpcServer = grpc.NewServer(
		grpc.ConnectionTimeout(30*time.Second),
		grpc.UnaryInterceptor(s.logErrors),
	)
	RegisterReplicationServer(s.grpcServer, handler)
	return s
}

// Address returns the address the server listens on, empty before it started
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// StartServer listens on address (host:port, port 0 picks a free one) and serves until the server is shut down
func (s *Server) StartServer(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis. It blocks until the server is shut down, after which it returns nil.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.address = lis.Addr().String()
	s.mu.Unlock()

	s.logger.Infof("Participant %s serving AppendEntries on %s", s.ID, lis.Addr())

	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) GracefulShutdown() {
	s.logger.Infof("Shutting down server %s gracefully", s.ID)
	// Lets pending responses to the leader complete
	s.grpcServer.GracefulStop()
}

func (s *Server) ForceShutdown() {
	s.logger.Infof("Force shutting down server %s", s.ID)
	s.grpcServer.Stop()
}

func (s *Server) logErrors(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warnf("%s on %s failed: %v", info.FullMethod, s.ID, err)
	}
	return resp, err
}
