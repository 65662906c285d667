package trace

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Middleware starts a server span per HTTP request, continuing any
// incoming traceparent header.
func Middleware(next http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(next, operation)
}

// Transport wraps base so outgoing requests carry the trace context.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// ExtractFromJSON continues a trace named by a "traceparent" field of a
// websocket message. It reports whether one was found.
func ExtractFromJSON(ctx context.Context, data []byte) (context.Context, bool) {
	var msg struct {
		TraceParent string `json:"traceparent"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceParent == "" {
		return ctx, false
	}
	carrier := propagation.MapCarrier{"traceparent": msg.TraceParent}
	out := otel.GetTextMapPropagator().Extract(ctx, carrier)
	return out, oteltrace.SpanContextFromContext(out).IsValid()
}

// UnaryServerInterceptor continues incoming gRPC trace metadata and wraps
// each call in a span.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
		}
		ctx, span := StartSpan(ctx, info.FullMethod)
		defer span.End()
		resp, err := handler(ctx, req)
		Fail(span, err)
		return resp, err
	}
}

// metadataCarrier adapts gRPC metadata to the propagation carrier API.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
