package trace

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanNestsAndRecordsFailure(t *testing.T) {
	sr := recordSpans(t)

	ctx, parent := StartSpan(context.Background(), "turn", attribute.String("turn.id", "t1"))
	_, child := StartSpan(ctx, "backend")
	Fail(child, errors.New("timeout"))
	Fail(child, nil)
	child.End()
	parent.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "backend", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.String("turn.id", "t1"))
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	recordSpans(t)
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	Logger(ctx).Info("traced")
	assert.Contains(t, buf.String(), "trace_id="+span.SpanContext().TraceID().String())
	assert.Contains(t, buf.String(), "span_id=")
}

func TestExtractFromJSON(t *testing.T) {
	_, err := Setup(context.Background(), Config{})
	require.NoError(t, err)

	const tp = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx, ok := ExtractFromJSON(context.Background(), []byte(`{"type":"chat","traceparent":"`+tp+`"}`))
	require.True(t, ok)

	recordSpans(t)
	_, span := StartSpan(ctx, "chat")
	defer span.End()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())

	_, ok = ExtractFromJSON(context.Background(), []byte(`{"type":"chat"}`))
	assert.False(t, ok)
	_, ok = ExtractFromJSON(context.Background(), []byte(`not json`))
	assert.False(t, ok)
}

func TestMiddlewareCreatesServerSpan(t *testing.T) {
	sr := recordSpans(t)
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), "api")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, sr.Ended(), 1)
}

func TestUnaryServerInterceptor(t *testing.T) {
	sr := recordSpans(t)
	_, err := Setup(context.Background(), Config{})
	require.NoError(t, err)

	md := metadata.Pairs("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = UnaryServerInterceptor()(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, errors.New("down")
	})
	assert.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, info.FullMethod, spans[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
