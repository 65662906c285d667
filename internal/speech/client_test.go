package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		Region:     "test",
		Key:        "secret",
		TokenURL:   srv.URL + "/sts/v1.0/issueToken",
		TTSBaseURL: srv.URL,
		STTBaseURL: srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(Config{Region: "westeurope", Key: "k"})
	require.NoError(t, err)
	cfg := c.Config()
	assert.Equal(t, "https://westeurope.api.cognitive.microsoft.com/sts/v1.0/issueToken", cfg.TokenURL)
	assert.Equal(t, "https://westeurope.tts.speech.microsoft.com", cfg.TTSBaseURL)
	assert.Equal(t, "en-US", cfg.Language)
	assert.Equal(t, defaultOutputFormat, cfg.OutputFormat)

	_, err = NewClient(Config{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      apperrors.Kind
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.KindCredential, false},
		{"forbidden", http.StatusForbidden, apperrors.KindCredential, false},
		{"unavailable", http.StatusServiceUnavailable, apperrors.KindBootstrap, true},
		{"bad request", http.StatusBadRequest, apperrors.KindBootstrap, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /sts/v1.0/issueToken", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "secret", r.Header.Get(keyHeader))
				w.WriteHeader(tt.status)
			})
			err := newTestClient(t, mux).Validate(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sts/v1.0/issueToken", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "token")
	})
	assert.NoError(t, newTestClient(t, mux).Validate(context.Background()))
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   apperrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.KindCredential},
		{"forbidden", http.StatusForbidden, apperrors.KindCredential},
		{"unavailable", http.StatusServiceUnavailable, apperrors.KindBootstrap},
		{"not found", http.StatusNotFound, apperrors.KindBootstrap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /cognitiveservices/voices/list", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := newTestClient(t, mux).Load(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
			assert.Equal(t, tt.kind == apperrors.KindCredential, apperrors.IsFatal(err))
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cognitiveservices/voices/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "[]")
	})
	assert.NoError(t, newTestClient(t, mux).Load(context.Background()))
}

func TestLoadTimeoutIsBootstrapError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cognitiveservices/voices/list", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Load(ctx)
	assert.True(t, apperrors.IsKind(err, apperrors.KindBootstrap))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSynthesize(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cognitiveservices/v1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/ssml+xml", r.Header.Get("Content-Type"))
		assert.Equal(t, defaultOutputFormat, r.Header.Get("X-Microsoft-OutputFormat"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<speak")
		_, _ = w.Write(audio.EncodeWAV([]float32{0.5, -0.5}, 24000))
	})
	samples, rate, err := newTestClient(t, mux).Synthesize(context.Background(), "<speak>hi</speak>")
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	assert.Len(t, samples, 2)
}

func TestSynthesizeFailureIsSynthesisError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cognitiveservices/v1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusBadRequest)
	})
	_, _, err := newTestClient(t, mux).Synthesize(context.Background(), "<speak/>")
	appErr, ok := apperrors.From(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindSynthesis, appErr.Kind)
	assert.Equal(t, "400", appErr.Metadata["status"])
	assert.Contains(t, err.Error(), "voice not found")
}

func TestTranscribe(t *testing.T) {
	status := "Success"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /speech/recognition/conversation/cognitiveservices/v1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "en-US", r.URL.Query().Get("language"))
		assert.Contains(t, r.Header.Get("Content-Type"), "samplerate=16000")
		_ = json.NewEncoder(w).Encode(recognitionResult{RecognitionStatus: status, DisplayText: "Hello there."})
	})
	c := newTestClient(t, mux)

	text, err := c.Transcribe(context.Background(), make([]float32, 160), 16000)
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", text)

	status = "NoMatch"
	text, err = c.Transcribe(context.Background(), make([]float32, 160), 16000)
	require.NoError(t, err)
	assert.Empty(t, text)

	status = "Error"
	_, err = c.Transcribe(context.Background(), make([]float32, 160), 16000)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTurn))
}

func TestRelayToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cognitiveservices/avatar/relay/token/v1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Urls":["turn:relay.example:3478"],"Username":"u","Password":"p"}`)
	})
	tok, err := newTestClient(t, mux).RelayToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayToken{URLs: []string{"turn:relay.example:3478"}, Username: "u", Password: "p"}, tok)
}

func TestProbeAvatar(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		absent bool
		ok     bool
	}{
		{"offered", 200, `{"realtime":true}`, false, true},
		{"not offered", 200, `{"realtime":false}`, true, false},
		{"not found", 404, ``, true, false},
		{"server error", 500, ``, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /cognitiveservices/avatar/capabilities", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			err := newTestClient(t, mux).ProbeAvatar(context.Background())
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.absent, errors.Is(err, ErrCapabilityAbsent))
			assert.True(t, apperrors.IsKind(err, apperrors.KindNegotiation))
		})
	}
}

func TestExchangeSDP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cognitiveservices/avatar/realtime/v1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		assert.Equal(t, "lisa", r.URL.Query().Get("character"))
		assert.Empty(t, r.URL.Query().Get("background"))
		offer, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, "answer-for:"+string(offer))
	})
	answer, err := newTestClient(t, mux).ExchangeSDP(context.Background(), "v=0", AvatarOptions{Character: "lisa", Style: "casual-sitting"})
	require.NoError(t, err)
	assert.Equal(t, "answer-for:v=0", answer)
}
