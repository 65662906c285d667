// Package duplex is the low-latency alternate path: a full-duplex audio
// peer connection straight to a realtime reasoning endpoint, with a side
// data channel whose events are re-published in the shared vocabulary.
package duplex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Config describes the realtime endpoint and the initial session.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Voice         string
	Instructions  string
	TurnDetection *TurnDetection
	HTTPClient    *http.Client
	Retry         resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Voice == "" {
		c.Voice = defaultVoice
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 20 * time.Second, Transport: trace.Transport(nil)}
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry = resilience.DefaultRetryConfig()
		c.Retry.IsRetryable = nil
	}
	if c.Retry.IsRetryable == nil {
		c.Retry.IsRetryable = transient
	}
	return c
}

type sessionRequest struct {
	Model                   string         `json:"model"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioTranscription *struct {
		Model string `json:"model"`
	} `json:"input_audio_transcription,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// CreateSession registers a realtime session and obtains its ephemeral
// client secret. Transient failures are retried with backoff.
func CreateSession(ctx context.Context, bus *events.Bus, cfg Config) (*SessionHandle, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.KindConfig, "realtime api key is required")
	}
	ctx, span := trace.StartSpan(ctx, "duplex.create_session")
	defer span.End()

	body, _ := json.Marshal(sessionRequest{
		Model:         cfg.Model,
		Voice:         cfg.Voice,
		Instructions:  cfg.Instructions,
		TurnDetection: cfg.TurnDetection,
		InputAudioTranscription: &struct {
			Model string `json:"model"`
		}{Model: "whisper-1"},
	})

	var resp sessionResponse
	err := resilience.Retry(ctx, cfg.Retry, func(ctx context.Context) error {
		data, err := post(ctx, cfg.HTTPClient, cfg.BaseURL+"/realtime/sessions", "application/json", cfg.APIKey, body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return apperrors.Wrap(err, apperrors.KindProtocol, "unreadable session response")
		}
		return nil
	})
	if err != nil {
		trace.Fail(span, err)
		return nil, err
	}
	if resp.ClientSecret.Value == "" {
		return nil, apperrors.New(apperrors.KindProtocol, "session response has no client secret")
	}
	trace.Logger(ctx).Info("realtime session created", "session", resp.ID, "model", cfg.Model)
	return &SessionHandle{
		ID:           resp.ID,
		ClientSecret: resp.ClientSecret.Value,
		ExpiresAt:    time.Unix(resp.ClientSecret.ExpiresAt, 0),
		cfg:          cfg,
		bus:          bus,
	}, nil
}

// post sends body with a bearer token and returns a 2xx response body.
// 401/403 are credential errors; 5xx, 429 and transport failures are
// retryable negotiation errors.
func post(ctx context.Context, client *http.Client, url, contentType, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "build realtime request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindNegotiation, "realtime request timed out")
		}
		return nil, apperrors.Wrap(err, apperrors.KindNegotiation, "realtime endpoint unreachable").AsRetryable()
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNegotiation, "read realtime response").AsRetryable()
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	status := strconv.Itoa(resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.New(apperrors.KindCredential, "realtime endpoint rejected credentials").WithMetadata("status", status)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.Newf(apperrors.KindNegotiation, "realtime endpoint returned %d", resp.StatusCode).
			WithMetadata("status", status).AsRetryable()
	}
	return nil, apperrors.Newf(apperrors.KindNegotiation, "realtime endpoint returned %d", resp.StatusCode).WithMetadata("status", status)
}

// transient retries only errors explicitly marked retryable, so 4xx
// negotiation failures are not repeated.
func transient(err error) bool {
	appErr, ok := apperrors.From(err)
	return ok && appErr.Retryable
}
