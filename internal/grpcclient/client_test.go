package grpcclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

func startHealth(t *testing.T) (*health.Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return hs, lis.Addr().String()
}

func TestCheck(t *testing.T) {
	hs, addr := startHealth(t)
	hs.SetServingStatus("companion.Session", healthpb.HealthCheckResponse_NOT_SERVING)

	c, err := New(addr)
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.Check(context.Background(), "companion.Session")
	require.NoError(t, err)
	assert.False(t, ok)

	hs.SetServingStatus("companion.Session", healthpb.HealthCheckResponse_SERVING)
	ok, err = c.Check(context.Background(), "companion.Session")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Check(context.Background(), "nope")
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestWaitServing(t *testing.T) {
	hs, addr := startHealth(t)
	hs.SetServingStatus("companion.Session", healthpb.HealthCheckResponse_NOT_SERVING)

	c, err := New(addr)
	require.NoError(t, err)
	defer c.Close()
	c.Interval = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		hs.SetServingStatus("companion.Session", healthpb.HealthCheckResponse_SERVING)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitServing(ctx, "companion.Session"))
}

func TestWaitServingGivesUp(t *testing.T) {
	hs, addr := startHealth(t)
	hs.SetServingStatus("companion.Session", healthpb.HealthCheckResponse_NOT_SERVING)

	c, err := New(addr)
	require.NoError(t, err)
	defer c.Close()
	c.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.WaitServing(ctx, "companion.Session")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNegotiation))
}
