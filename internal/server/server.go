package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/health"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/conditioner"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/duplex"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/orchestrator"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/session"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

// Session is the media session as seen by the UI.
type Session interface {
	GetState() session.Snapshot
	Config() session.SessionConfig
	Metrics() session.StreamMetrics
	Reconfigure(ctx context.Context, cfg session.SessionConfig) error
}

// Turns accepts typed user utterances.
type Turns interface {
	Enqueue(text string) (orchestrator.TurnQueueItem, error)
}

// AudioTuner exposes the live audio parameters.
type AudioTuner interface {
	Params() conditioner.AudioPipelineParams
	UpdateParams(p conditioner.AudioPipelineParams) error
}

// ParamsUpdater receives parameter changes after the tuner accepted them.
type ParamsUpdater interface {
	UpdateParams(p conditioner.AudioPipelineParams) error
}

// Realtime is the duplex session, when that pipeline is active.
type Realtime interface {
	UpdateSessionParams(ctx context.Context, p duplex.Params) error
}

// Deps wires the server to whichever pipeline is running. Nil members
// disable the matching messages and endpoints.
type Deps struct {
	Bus      *events.Bus
	Session  Session
	Turns    Turns
	Audio    AudioTuner
	Gate     ParamsUpdater
	Realtime Realtime
	Surface  *session.RelaySurface
	Metrics  http.Handler
	Origins  []string
}

// Message is the envelope of every inbound websocket message.
type Message struct {
	Type string `json:"type"`
}

type ChatMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ReconfigureMessage struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

type ParamsMessage struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type RealtimeMessage struct {
	Type    string        `json:"type"`
	Session duplex.Params `json:"session"`
}

// ReplyMessage acknowledges or rejects one inbound message.
type ReplyMessage struct {
	Type    string          `json:"type"`
	Request string          `json:"request"`
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Kind    *apperrors.Kind `json:"kind,omitempty"`
	TurnID  string          `json:"turnId,omitempty"`
}

// StateResponse is the /api/state body.
type StateResponse struct {
	SessionID string                           `json:"sessionId"`
	State     string                           `json:"state"`
	Tier      session.TierKind                 `json:"tier"`
	Ready     bool                             `json:"ready"`
	Error     string                           `json:"error,omitempty"`
	Config    session.SessionConfig            `json:"config"`
	Metrics   session.StreamMetrics            `json:"metrics"`
	Audio     *conditioner.AudioPipelineParams `json:"audio,omitempty"`
}

type client struct {
	send    chan any
	limiter *rate.Limiter
}

// Server handles HTTP, websocket and health.
type Server struct {
	deps   Deps
	health *health.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]*client

	stop func()
	done chan struct{}
}

// New creates a server and starts broadcasting bus events.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		health: health.NewServer(),
		conns:  make(map[*websocket.Conn]*client),
		done:   make(chan struct{}),
	}
	s.SetServing(false)

	ch, stop := deps.Bus.Channel(BroadcastBuffer)
	unsub := deps.Bus.Subscribe(events.StateChanged, s.onState)
	s.stop = func() {
		unsub()
		stop()
	}
	go s.broadcast(ch)
	return s
}

// Close stops the broadcaster.
func (s *Server) Close() {
	s.stop()
	<-s.done
	s.health.Shutdown()
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/placeholder.png", s.handlePlaceholder)
	mux.HandleFunc("POST /api/viewer", s.handleViewer)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return corsMiddleware(trace.Middleware(mux, "http"))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	origins := s.deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(MaxBodyBytes)

	c := &client{
		send:    make(chan any, SendQueueSize),
		limiter: rate.NewLimiter(MessagesPerSecond, MessageBurst),
	}
	s.mu.Lock()
	s.conns[conn] = c
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		cancel()
	}()
	go s.writeLoop(ctx, conn, c)

	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}
		if !c.limiter.Allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			s.reply(c, ReplyMessage{Request: "unknown", Message: "rate limit exceeded"}, nil)
			continue
		}
		mctx, _ := trace.ExtractFromJSON(ctx, msg)
		s.dispatch(mctx, c, msg)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				slog.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, msg json.RawMessage) {
	var base Message
	if err := json.Unmarshal(msg, &base); err != nil {
		s.reply(c, ReplyMessage{Request: "unknown"}, apperrors.Wrap(err, apperrors.KindProtocol, "malformed message"))
		return
	}
	ctx, span := trace.StartSpan(ctx, "ws."+base.Type)
	defer span.End()

	var err error
	out := ReplyMessage{Request: base.Type}
	switch base.Type {
	case "chat":
		out.TurnID, err = s.handleChat(msg)
	case "reconfigure":
		err = s.handleReconfigure(ctx, msg)
	case "params":
		err = s.handleParams(msg)
	case "realtime":
		err = s.handleRealtime(ctx, msg)
	default:
		err = apperrors.Newf(apperrors.KindProtocol, "unknown message type %q", base.Type)
	}
	trace.Fail(span, err)
	s.reply(c, out, err)
}

func (s *Server) reply(c *client, out ReplyMessage, err error) {
	out.Type = "reply"
	out.OK = err == nil
	if err != nil {
		kind := apperrors.KindOf(err)
		out.Kind = &kind
		out.Message = apperrors.Message(err)
	}
	select {
	case c.send <- out:
	default:
	}
}

func (s *Server) handleChat(msg json.RawMessage) (string, error) {
	if s.deps.Turns == nil {
		return "", apperrors.New(apperrors.KindConfig, "chat is not available in this pipeline")
	}
	var chat ChatMessage
	if err := json.Unmarshal(msg, &chat); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindProtocol, "malformed chat message")
	}
	item, err := s.deps.Turns.Enqueue(chat.Message)
	return item.ID, err
}

func (s *Server) handleReconfigure(ctx context.Context, msg json.RawMessage) error {
	if s.deps.Session == nil {
		return apperrors.New(apperrors.KindConfig, "no media session to reconfigure")
	}
	var m ReconfigureMessage
	if err := json.Unmarshal(msg, &m); err != nil || len(m.Config) == 0 {
		return apperrors.New(apperrors.KindProtocol, "malformed reconfigure message")
	}
	cfg, err := s.deps.Session.Config().Merge(m.Config)
	if err != nil {
		return err
	}
	trace.Logger(ctx).Info("reconfiguring session", "tier", cfg.Tier, "persona", cfg.Persona)
	go func() {
		if err := s.deps.Session.Reconfigure(context.WithoutCancel(ctx), cfg); err != nil {
			slog.Warn("reconfigure failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleParams(msg json.RawMessage) error {
	if s.deps.Audio == nil {
		return apperrors.New(apperrors.KindConfig, "audio parameters are not tunable")
	}
	var m ParamsMessage
	if err := json.Unmarshal(msg, &m); err != nil || len(m.Params) == 0 {
		return apperrors.New(apperrors.KindProtocol, "malformed params message")
	}
	p := s.deps.Audio.Params()
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return apperrors.Wrap(err, apperrors.KindConfig, "invalid audio params")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if s.deps.Gate != nil {
		if err := s.deps.Gate.UpdateParams(p); err != nil {
			return err
		}
	}
	return s.deps.Audio.UpdateParams(p)
}

func (s *Server) handleRealtime(ctx context.Context, msg json.RawMessage) error {
	if s.deps.Realtime == nil {
		return apperrors.New(apperrors.KindConfig, "realtime session is not active")
	}
	var m RealtimeMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return apperrors.Wrap(err, apperrors.KindProtocol, "malformed realtime message")
	}
	return s.deps.Realtime.UpdateSessionParams(ctx, m.Session)
}

func (s *Server) broadcast(ch <-chan events.Event) {
	defer close(s.done)
	for ev := range ch {
		s.mu.RLock()
		for _, c := range s.conns {
			select {
			case c.send <- ev:
			default:
				slog.Debug("websocket client slow, event dropped", "type", ev.Type)
			}
		}
		s.mu.RUnlock()
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := StateResponse{SessionID: s.deps.Bus.SessionID()}
	if s.deps.Session != nil {
		snap := s.deps.Session.GetState()
		resp.State = snap.State.String()
		resp.Tier = snap.Tier
		resp.Ready = snap.Ready()
		resp.Error = snap.Err
		resp.Config = s.deps.Session.Config()
		resp.Metrics = s.deps.Session.Metrics()
	}
	if s.deps.Audio != nil {
		p := s.deps.Audio.Params()
		resp.Audio = &p
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) onState(ev events.Event) {
	if d, ok := ev.Data.(session.StateData); ok {
		s.SetServing(d.To.Ready())
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": apperrors.Message(err),
		"kind":  apperrors.KindOf(err),
		"time":  time.Now().UTC(),
	})
}
