package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCProbe checks the sidecar through the standard gRPC health service.
type GRPCProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProbe dials addr lazily; the first Probe triggers the connection.
func NewGRPCProbe(addr, service string) (*GRPCProbe, error) {
	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc health client for %s: %w", addr, err)
	}
	return &GRPCProbe{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

// Probe maps SERVING to healthy, NOT_SERVING to unhealthy and anything else
// to degraded.
func (g *GRPCProbe) Probe(ctx context.Context) (Result, error) {
	resp, err := g.client.Check(ctx, &healthpb.HealthCheckRequest{Service: g.service})
	if err != nil {
		if state := g.conn.GetState(); state == connectivity.TransientFailure {
			return Result{}, fmt.Errorf("grpc connection in %s: %w", state, err)
		}
		return Result{}, fmt.Errorf("grpc health check: %w", err)
	}

	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return Result{Status: domain.HealthHealthy, Message: "serving"}, nil
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return Result{Status: domain.HealthUnhealthy, Message: "not serving"}, nil
	default:
		return Result{Status: domain.HealthDegraded, Message: resp.GetStatus().String()}, nil
	}
}

// Close releases the connection.
func (g *GRPCProbe) Close() error {
	return g.conn.Close()
}
