// Package speech is a REST client for the cloud speech service: credential
// validation, voice synthesis, short-utterance recognition and the avatar
// relay and signaling endpoints.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

const (
	keyHeader           = "Ocp-Apim-Subscription-Key"
	defaultOutputFormat = "riff-24khz-16bit-mono-pcm"
	defaultLanguage     = "en-US"
	defaultUserAgent    = "buddy-companion"
	maxErrorBody        = 4 << 10
)

// Config holds the service location and credentials. Empty URLs are
// derived from Region.
type Config struct {
	Region       string
	Key          string
	Language     string
	OutputFormat string
	TokenURL     string
	TTSBaseURL   string
	STTBaseURL   string
	AvatarURL    string // signaling endpoint; SDP offer in, SDP answer out
	ProbeURL     string // avatar capability probe
	HTTPClient   *http.Client
}

// Client talks to one speech service region.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient applies defaults and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Region == "" && (cfg.TokenURL == "" || cfg.TTSBaseURL == "") {
		return nil, apperrors.New(apperrors.KindConfig, "speech region is required")
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", cfg.Region)
	}
	if cfg.TTSBaseURL == "" {
		cfg.TTSBaseURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com", cfg.Region)
	}
	if cfg.STTBaseURL == "" {
		cfg.STTBaseURL = fmt.Sprintf("https://%s.stt.speech.microsoft.com", cfg.Region)
	}
	if cfg.AvatarURL == "" {
		cfg.AvatarURL = cfg.TTSBaseURL + "/cognitiveservices/avatar/realtime/v1"
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.TTSBaseURL + "/cognitiveservices/avatar/capabilities"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second, Transport: trace.Transport(nil)}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

type request struct {
	method      string
	url         string
	contentType string
	body        []byte
	header      map[string]string
}

// do sends r with the subscription key and returns the body of a 2xx
// response. Other statuses come back as *StatusError.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bytes.NewReader(r.body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(keyHeader, c.cfg.Key)
	req.Header.Set("User-Agent", defaultUserAgent)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return io.ReadAll(resp.Body)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("speech service: HTTP %d", e.Code)
	}
	return fmt.Sprintf("speech service: HTTP %d: %s", e.Code, e.Body)
}

// IsAuth reports whether the status is an auth-class rejection.
func (e *StatusError) IsAuth() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// classify wraps err in kind, recording the HTTP status when present.
// Transport failures and 5xx/429 are marked retryable.
func classify(err error, kind apperrors.Kind, msg string) *apperrors.AppError {
	appErr := apperrors.Wrap(err, kind, msg)
	var se *StatusError
	switch {
	case errors.As(err, &se):
		appErr.WithMetadata("status", strconv.Itoa(se.Code))
		if se.Code >= 500 || se.Code == http.StatusTooManyRequests {
			appErr.AsRetryable()
		}
	default:
		appErr.AsRetryable()
	}
	return appErr
}
