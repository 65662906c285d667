package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

// HTTPBackend posts the conversation to a chat endpoint that answers with
// the line protocol understood by Decoder.
type HTTPBackend struct {
	URL     string
	Header  http.Header
	Client  *http.Client
	OnError func(error) // malformed lines; decoding continues
}

// NewHTTPBackend returns a backend with a traced HTTP client.
func NewHTTPBackend(url string) *HTTPBackend {
	return &HTTPBackend{URL: url, Client: &http.Client{Transport: trace.Transport(nil)}}
}

type httpRequest struct {
	ID       string    `json:"id,omitempty"`
	Messages []Message `json:"messages"`
}

func (b *HTTPBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	ctx, span := trace.StartSpan(ctx, "chat.stream")
	defer span.End()

	payload, err := json.Marshal(httpRequest{ID: req.ThreadID, Messages: req.Messages})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindInternal, "encode chat request")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindConfig, "build chat request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	for k, vs := range b.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		err = b.turnError(ctx, err, "chat backend unreachable")
		trace.Fail(span, err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := apperrors.New(apperrors.KindTurn, fmt.Sprintf("chat backend returned %d", resp.StatusCode)).
			WithMetadata("status", strconv.Itoa(resp.StatusCode)).
			WithMetadata("body", string(body))
		if resp.StatusCode >= 500 {
			err.AsRetryable()
		}
		trace.Fail(span, err)
		return "", err
	}

	onError := b.OnError
	if onError == nil {
		onError = func(err error) { trace.Logger(ctx).Warn("malformed chat stream line", "error", err) }
	}
	reply, err := NewDecoder(resp.Body).Decode(onDelta, onError)
	if err != nil {
		err = b.turnError(ctx, err, "chat stream interrupted")
		trace.Fail(span, err)
		return reply, err
	}
	slog.Debug("chat reply received", "thread", req.ThreadID, "chars", len(reply))
	return reply, nil
}

func (b *HTTPBackend) turnError(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return apperrors.Wrap(ctx.Err(), apperrors.KindTurn, "chat backend timed out")
	}
	return apperrors.Wrap(err, apperrors.KindTurn, msg).AsRetryable()
}
