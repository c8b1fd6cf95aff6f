package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/tgmirror/internal/bus"
	"github.com/matheus3301/tgmirror/internal/status"
)

// ServiceClient is the health service name reporting whether the client
// process is connected.
const ServiceClient = "tgmirror.client"

// Server serves gRPC health checks on the profile's Unix domain socket.
// The overall status is SERVING while the run is up; ServiceClient follows
// the supervisor state.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	machine    *status.Machine
	events     <-chan bus.Event
	unsub      func()
	stop       chan struct{}
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's status socket.
func NewServer(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.socketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	events, unsub := b.Subscribe(bus.KindStatusChanged, 16)
	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		machine:    machine,
		events:     events,
		unsub:      unsub,
		stop:       make(chan struct{}),
		logger:     logger,
	}, nil
}

// Start begins serving health checks. Blocks until stopped.
func (s *Server) Start() error {
	s.setClientStatus(s.machine.Current())
	go s.watch()
	s.logger.Info("status server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) watch() {
	for {
		select {
		case <-s.stop:
			return
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			if change, ok := evt.Payload.(status.StatusChange); ok {
				s.setClientStatus(change.To)
			}
		}
	}
}

func (s *Server) setClientStatus(state status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == status.Connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceClient, st)
}

// Stop reports NOT_SERVING, shuts down gracefully and removes the socket
// file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("status server stopping")
	s.unsub()
	close(s.stop)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
