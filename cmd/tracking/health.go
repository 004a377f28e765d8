package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/CINPLA/tracking-plugin/internal/timeutil"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
)

// trackingService is the health service name reporting source state.
const trackingService = "tracking"

// sourceLister is the part of the tracking node the health check reads.
type sourceLister interface {
	Sources() []tracking.SourceInfo
}

// servingStatus is SERVING while at least one source has a bound listener.
func servingStatus(n sourceLister) healthpb.HealthCheckResponse_ServingStatus {
	for _, s := range n.Sources() {
		if s.Active {
			return healthpb.HealthCheckResponse_SERVING
		}
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// serveHealth runs the standard gRPC health service on addr until ctx is
// done, refreshing the tracking service status every second.
func serveHealth(ctx context.Context, addr string, n sourceLister, clock timeutil.Clock) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	log.Printf("gRPC health service listening on %s", lis.Addr())

	go func() {
		hs.SetServingStatus(trackingService, servingStatus(n))
		_ = timeutil.Every(ctx, clock, time.Second, func(time.Time) {
			hs.SetServingStatus(trackingService, servingStatus(n))
		})
		hs.Shutdown()
		server.GracefulStop()
	}()

	if err := server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
