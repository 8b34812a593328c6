package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the gRPC health service name reported SERVING while
// the REST API is up.
const HealthServiceName = "rhizome.Rhizome"

// StartAPIServers starts the gRPC health endpoint on grpcAddr and the REST
// API on restAddr. An empty grpcAddr skips gRPC. Both servers stop when ctx
// is done or the returned stop functions are called.
func StartAPIServers(ctx context.Context, grpcAddr, restAddr string, impl *DaemonAPIServer) (grpcStop func(), restStop func(), err error) {
	grpcStop = func() {}
	if grpcAddr != "" {
		grpcServer := grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, hs)
		reflection.Register(grpcServer)

		l, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return nil, nil, err
		}
		go func() { _ = grpcServer.Serve(l) }()
		grpcStop = func() {
			hs.Shutdown()
			grpcServer.GracefulStop()
		}
	}

	l, err := net.Listen("tcp", restAddr)
	if err != nil {
		grpcStop()
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           impl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			impl.logger.Error(err, "REST server stopped")
		}
	}()
	restStop = func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}

	go func() {
		<-ctx.Done()
		restStop()
		grpcStop()
	}()
	impl.logger.Info("REST API listening on " + l.Addr().String())
	return grpcStop, restStop, nil
}
