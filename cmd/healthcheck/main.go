// Healthcheck - exits 0 once the companion session reports SERVING
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/grpcclient"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/server"
)

func main() {
	addr := flag.String("addr", envOr("GRPC_ADDR", "localhost:50051"), "gRPC health address")
	service := flag.String("service", server.ServiceName, "health service name; empty for the whole server")
	wait := flag.Duration("wait", 0, "keep polling up to this long instead of checking once")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	c, err := grpcclient.New(*addr)
	if err != nil {
		slog.Error("healthcheck setup failed", "error", err)
		os.Exit(2)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	if *wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *wait)
		defer cancel()
		c.Interval = min(c.Interval, time.Second)
		if err := c.WaitServing(ctx, *service); err != nil {
			slog.Error("not serving", "addr", *addr, "error", err)
			os.Exit(1)
		}
		return
	}

	ok, err := c.Check(ctx, *service)
	if err != nil || !ok {
		slog.Error("not serving", "addr", *addr, "service", *service, "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
