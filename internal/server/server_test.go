package server

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/conditioner"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/duplex"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/orchestrator"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/session"
)

type fakeSession struct {
	mu           sync.Mutex
	cfg          session.SessionConfig
	reconfigured chan session.SessionConfig
}

func (f *fakeSession) GetState() session.Snapshot {
	return session.Snapshot{State: session.Connected, Tier: session.TierNetworkedSpeech}
}
func (f *fakeSession) Config() session.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}
func (f *fakeSession) Metrics() session.StreamMetrics {
	return session.StreamMetrics{Tier: session.TierNetworkedSpeech, Quality: "none"}
}
func (f *fakeSession) Reconfigure(_ context.Context, cfg session.SessionConfig) error {
	f.reconfigured <- cfg
	return nil
}

type fakeTurns struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTurns) Enqueue(text string) (orchestrator.TurnQueueItem, error) {
	if strings.TrimSpace(text) == "" {
		return orchestrator.TurnQueueItem{}, apperrors.New(apperrors.KindConfig, "empty utterance")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return orchestrator.TurnQueueItem{ID: "turn-1", Text: text}, nil
}

type fakeTuner struct {
	mu     sync.Mutex
	params conditioner.AudioPipelineParams
}

func (f *fakeTuner) Params() conditioner.AudioPipelineParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}
func (f *fakeTuner) UpdateParams(p conditioner.AudioPipelineParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = p
	return nil
}

type fakeRealtime struct{ got duplex.Params }

func (f *fakeRealtime) UpdateSessionParams(_ context.Context, p duplex.Params) error {
	f.got = p
	return nil
}

type harness struct {
	bus     *events.Bus
	srv     *Server
	http    *httptest.Server
	session *fakeSession
	turns   *fakeTurns
	audio   *fakeTuner
	gate    *fakeTuner
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		bus:     events.NewBus("s1"),
		session: &fakeSession{cfg: session.DefaultConfig(), reconfigured: make(chan session.SessionConfig, 1)},
		turns:   &fakeTurns{},
		audio:   &fakeTuner{params: conditioner.DefaultParams()},
		gate:    &fakeTuner{},
	}
	deps := Deps{Bus: h.bus, Session: h.session, Turns: h.turns, Audio: h.audio, Gate: h.gate}
	if mutate != nil {
		mutate(&deps)
	}
	h.srv = New(deps)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.http.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

// readType reads until a message of the given type arrives.
func readType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		var msg map[string]any
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/test", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChatEnqueuesAndReplies(t *testing.T) {
	h := newHarness(t, nil)
	conn, ctx := h.dial(t)

	require.NoError(t, wsjson.Write(ctx, conn, ChatMessage{Type: "chat", Message: "hello there"}))
	reply := readType(t, ctx, conn, "reply")
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "chat", reply["request"])
	assert.Equal(t, "turn-1", reply["turnId"])

	h.turns.mu.Lock()
	assert.Equal(t, []string{"hello there"}, h.turns.texts)
	h.turns.mu.Unlock()

	require.NoError(t, wsjson.Write(ctx, conn, ChatMessage{Type: "chat", Message: "  "}))
	reply = readType(t, ctx, conn, "reply")
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, "config", reply["kind"])
}

func TestBusEventsAreBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	conn, ctx := h.dial(t)

	// The connection registers after the handshake; retry until delivered.
	got := make(chan map[string]any, 1)
	go func() {
		for {
			var msg map[string]any
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg["type"] == string(events.Transcript) {
				got <- msg
				return
			}
		}
	}()
	deadline := time.After(3 * time.Second)
	for {
		h.bus.Emit(events.Transcript, events.TextData{Text: "what time is it", Role: "user"})
		select {
		case msg := <-got:
			data := msg["data"].(map[string]any)
			assert.Equal(t, "what time is it", data["text"])
			assert.Equal(t, "s1", msg["sessionId"])
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("event not broadcast")
		}
	}
}

func TestParamsUpdateAudioAndGate(t *testing.T) {
	h := newHarness(t, nil)
	conn, ctx := h.dial(t)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":   "params",
		"params": map[string]any{"gain": 2, "voiceThreshold": -35},
	}))
	reply := readType(t, ctx, conn, "reply")
	require.Equal(t, true, reply["ok"], reply["message"])
	assert.Equal(t, 2.0, h.audio.Params().Gain)
	assert.Equal(t, -35.0, h.audio.Params().VoiceThreshold)
	assert.Equal(t, -35.0, h.gate.Params().VoiceThreshold)
	assert.Len(t, h.audio.Params().Filters, len(conditioner.DefaultFilters()))

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":   "params",
		"params": map[string]any{"silenceThreshold": 0},
	}))
	reply = readType(t, ctx, conn, "reply")
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, "config", reply["kind"])
	assert.Equal(t, -50.0, h.audio.Params().SilenceThreshold)
}

func TestReconfigureMergesConfig(t *testing.T) {
	h := newHarness(t, nil)
	conn, ctx := h.dial(t)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":   "reconfigure",
		"config": map[string]any{"tier": "local", "localVoice": "en-gb"},
	}))
	reply := readType(t, ctx, conn, "reply")
	require.Equal(t, true, reply["ok"], reply["message"])

	select {
	case cfg := <-h.session.reconfigured:
		assert.Equal(t, session.TierLocal, cfg.Tier)
		assert.Equal(t, "en-gb", cfg.LocalVoice)
		assert.Equal(t, session.DefaultConfig().Persona, cfg.Persona)
	case <-time.After(2 * time.Second):
		t.Fatal("reconfigure not applied")
	}
}

func TestUnknownAndUnavailableMessages(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Turns = nil })
	conn, ctx := h.dial(t)

	require.NoError(t, wsjson.Write(ctx, conn, Message{Type: "dance"}))
	reply := readType(t, ctx, conn, "reply")
	assert.Equal(t, "protocol", reply["kind"])

	require.NoError(t, wsjson.Write(ctx, conn, ChatMessage{Type: "chat", Message: "hi"}))
	reply = readType(t, ctx, conn, "reply")
	assert.Equal(t, "config", reply["kind"])

	require.NoError(t, wsjson.Write(ctx, conn, RealtimeMessage{Type: "realtime"}))
	reply = readType(t, ctx, conn, "reply")
	assert.Equal(t, "config", reply["kind"])
}

func TestRealtimeSessionUpdate(t *testing.T) {
	rt := &fakeRealtime{}
	h := newHarness(t, func(d *Deps) { d.Realtime = rt })
	conn, ctx := h.dial(t)

	require.NoError(t, wsjson.Write(ctx, conn, RealtimeMessage{Type: "realtime", Session: duplex.Params{Voice: "verse"}}))
	reply := readType(t, ctx, conn, "reply")
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "verse", rt.got.Voice)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	conn, ctx := h.dial(t)

	for range MessageBurst + 5 {
		require.NoError(t, wsjson.Write(ctx, conn, ChatMessage{Type: "chat", Message: "spam"}))
	}
	limited := 0
	for range MessageBurst + 5 {
		if readType(t, ctx, conn, "reply")["message"] == "rate limit exceeded" {
			limited++
		}
	}
	assert.Positive(t, limited)
}

func TestStateEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.http.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SessionID string `json:"sessionId"`
		State     string `json:"state"`
		Tier      string `json:"tier"`
		Ready     bool   `json:"ready"`
		Audio     *struct {
			Gain float64 `json:"gain"`
		} `json:"audio"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, "connected", body.State)
	assert.Equal(t, "networked-speech", body.Tier)
	assert.True(t, body.Ready)
	require.NotNil(t, body.Audio)
	assert.Equal(t, 1.0, body.Audio.Gain)
}

func TestHealthFollowsSessionState(t *testing.T) {
	h := newHarness(t, nil)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.srv.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	h.bus.Emit(events.StateChanged, session.StateData{To: session.Snapshot{State: session.Connected, Tier: session.TierLocal}})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	h.bus.Emit(events.StateChanged, session.StateData{To: session.Snapshot{State: session.Disconnected}})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

func TestPlaceholderAndViewerNeedSurface(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.http.URL + "/api/placeholder.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(h.http.URL+"/api/viewer", "application/sdp", strings.NewReader("v=0"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaceholderServedAsPNG(t *testing.T) {
	surface, err := session.NewRelaySurface()
	require.NoError(t, err)
	require.NoError(t, surface.ShowPlaceholder(session.Placeholder(session.DefaultConfig())))
	h := newHarness(t, func(d *Deps) { d.Surface = surface })

	resp, err := http.Get(h.http.URL + "/api/placeholder.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
}

func TestMetricsMounted(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok_total 1\n")) })
	})
	resp, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
