package duplex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestMapEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    events.Type
		text    string
		ok      bool
		wantErr bool
	}{
		{"speech started", `{"type":"input_audio_buffer.speech_started"}`, events.SpeechStarted, "", true, false},
		{"speech stopped", `{"type":"input_audio_buffer.speech_stopped"}`, events.SpeechEnded, "", true, false},
		{"assistant delta", `{"type":"response.audio_transcript.delta","delta":"Hel"}`, events.TranscriptDelta, "Hel", true, false},
		{"user delta", `{"type":"conversation.item.input_audio_transcription.delta","delta":"hi"}`, events.TranscriptDelta, "hi", true, false},
		{"user transcript", `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi there"}`, events.Transcript, "hi there", true, false},
		{"response done", `{"type":"response.done","response":{"id":"r1"}}`, events.ResponseComplete, "", true, false},
		{"unknown", `{"type":"rate_limits.updated"}`, "", "", false, false},
		{"not json", `{"type":`, "", "", false, true},
		{"no type", `{"delta":"x"}`, "", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := mapEvent([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.KindProtocol, apperrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, ev.Type)
			raw, isRaw := ev.Data.(events.RawData)
			require.True(t, isRaw)
			assert.Equal(t, tt.text, raw.Text)
			assert.JSONEq(t, tt.payload, string(raw.Payload))
		})
	}
}

func TestMapErrorEvent(t *testing.T) {
	ev, ok, err := mapEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"bad_voice","message":"voice not supported"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.Error, ev.Type)
	assert.Equal(t, events.ErrorData{Kind: apperrors.KindTurn, Message: "voice not supported (bad_voice)"}, ev.Data)
}

func TestControlRepublishesOnBus(t *testing.T) {
	bus := events.NewBus("s1")
	var got []events.Event
	bus.SubscribeAll(func(ev events.Event) { got = append(got, ev) })
	h := &SessionHandle{bus: bus}

	h.onControl([]byte(`{"type":"response.audio_transcript.delta","delta":"Hi"}`))
	h.onControl([]byte(`{"type":"session.updated"}`))
	h.onControl([]byte(`garbage`))

	require.Len(t, got, 2)
	assert.Equal(t, events.TextData{Text: "Hi", Role: "assistant"}, got[0].Data)
	assert.Equal(t, events.Error, got[1].Type)
	assert.Equal(t, apperrors.KindProtocol, got[1].Data.(events.ErrorData).Kind)
}

func TestSessionUpdatePayload(t *testing.T) {
	msg, err := sessionUpdate(Params{Voice: "verse", TurnDetection: &TurnDetection{Type: "server_vad", SilenceDurationMs: 500}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session.update","session":{"voice":"verse","turn_detection":{"type":"server_vad","silence_duration_ms":500}}}`, string(msg))

	_, err = sessionUpdate(Params{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestUpdateRequiresConnection(t *testing.T) {
	h := &SessionHandle{}
	err := h.UpdateSessionParams(context.Background(), Params{Voice: "verse"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestCreateSessionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req sessionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultModel, req.Model)
		assert.Equal(t, "be brief", req.Instructions)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1700000000}}`)
	}))
	defer srv.Close()

	h, err := CreateSession(context.Background(), nil, Config{BaseURL: srv.URL, APIKey: "sk-test", Instructions: "be brief", Retry: fastRetry()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "sess_1", h.ID)
	assert.Equal(t, "ek_abc", h.ClientSecret)
	assert.Equal(t, int64(1700000000), h.ExpiresAt.Unix())
	assert.False(t, h.Connected())
}

func TestCreateSessionCredentialRejectedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := CreateSession(context.Background(), nil, Config{BaseURL: srv.URL, APIKey: "bad", Retry: fastRetry()})
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateSessionClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := CreateSession(context.Background(), nil, Config{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry()})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNegotiation))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateSessionRequiresKey(t *testing.T) {
	_, err := CreateSession(context.Background(), nil, Config{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestFramerSplitsIntoOpusFrames(t *testing.T) {
	var f framer
	assert.Empty(t, f.push(make([]float32, 500)))

	chunks := f.push(make([]float32, 1500))
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Len(t, c, opusFrameSize)
	}
	assert.Len(t, f.buf, 2000-2*opusFrameSize)
}

func TestDisconnectIdempotent(t *testing.T) {
	h := &SessionHandle{ID: "sess_1"}
	h.Disconnect()
	h.Disconnect()
	assert.False(t, h.Connected())
	err := h.Connect(context.Background(), nil, ConnectOptions{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}
