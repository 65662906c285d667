package grpcclient

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
)

// Client wraps the health service client
type Client struct {
	conn     *grpc.ClientConn
	Health   healthpb.HealthClient
	Interval time.Duration
}

// New creates a client for the server at addr
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindConfig, "invalid health address %q", addr)
	}
	return &Client{
		conn:     conn,
		Health:   healthpb.NewHealthClient(conn),
		Interval: DefaultHealthCheckInterval,
	}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check reports whether service is SERVING. An empty service asks for the
// server as a whole.
func (c *Client) Check(ctx context.Context, service string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, apperrors.Newf(apperrors.KindConfig, "unknown health service %q", service)
		}
		return false, apperrors.Wrap(err, apperrors.KindNegotiation, "health check failed").AsRetryable()
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// WaitServing polls until service is SERVING or ctx is done. Unreachable
// servers are retried; unknown services are not.
func (c *Client) WaitServing(ctx context.Context, service string) error {
	for {
		ok, err := c.Check(ctx, service)
		switch {
		case ok:
			return nil
		case err != nil && !apperrors.IsRetryable(err):
			return err
		case err != nil:
			slog.Debug("health check unreachable", "service", service, "error", err)
		}
		if err := resilience.Sleep(ctx, c.Interval); err != nil {
			return apperrors.Wrap(err, apperrors.KindNegotiation, "service did not become ready")
		}
	}
}
