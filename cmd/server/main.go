// Companion server - captures the microphone, runs the conversational
// pipeline and serves the UI event channel
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/chat"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/conditioner"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/config"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/duplex"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/metrics"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/orchestrator"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/server"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/session"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/speech"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/vad"
)

const frameBuffer = 64

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// app holds everything that needs an orderly shutdown.
type app struct {
	bus      *events.Bus
	mic      *audio.Microphone
	player   *audio.SpeakerPlayer
	pipeline *conditioner.Pipeline
	gate     *vad.Gate
	manager  *session.Manager
	orch     *orchestrator.Orchestrator
	realtime *duplex.SessionHandle
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := trace.Setup(ctx, trace.Config{ServiceName: "buddy-companion", Endpoint: cfg.OTLPURL})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	a := &app{bus: events.NewBus(uuid.NewString())}
	m := metrics.New("")
	defer m.Observe(a.bus)()

	a.mic, err = audio.NewMicrophone(audio.MicrophoneConfig{
		SampleRate:       cfg.SampleRate,
		FramesPerBuffer:  cfg.FrameSize,
		PreferredDevices: nonEmpty(cfg.InputDevice),
	})
	if err != nil {
		return err
	}
	if a.player, err = audio.NewSpeakerPlayer(0); err != nil {
		return err
	}
	defer func() { _ = a.player.Close() }()
	if a.pipeline, err = conditioner.NewPipeline(cfg.SampleRate, cfg.Audio); err != nil {
		return err
	}
	if a.gate, err = vad.New(a.bus, cfg.Audio); err != nil {
		return err
	}
	if err := a.mic.Start(ctx); err != nil {
		return err
	}
	conditioned := a.pipeline.Process(ctx, a.mic.Frames())

	deps := server.Deps{
		Bus:     a.bus,
		Audio:   a.pipeline,
		Gate:    a.gate,
		Metrics: m.Handler(),
		Origins: cfg.AllowedOrigins,
	}
	var srv *server.Server
	if cfg.PipelineMode == config.ModeDuplex {
		srv, err = a.startDuplex(ctx, cfg, conditioned, deps)
	} else {
		srv, err = a.startTurns(ctx, cfg, conditioned, deps)
	}
	if err != nil {
		a.shutdown()
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := srv.GRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		a.shutdown()
		return err
	}

	go func() {
		slog.Info("companion server starting", "http", cfg.HTTPAddr, "grpc", cfg.GRPCAddr, "mode", cfg.PipelineMode)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("grpc server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	a.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	slog.Info("shutdown complete")
	return nil
}

func (a *app) startTurns(ctx context.Context, cfg *config.Config, frames <-chan audio.Frame, deps server.Deps) (*server.Server, error) {
	var sc *speech.Client
	if cfg.SpeechRegion != "" || cfg.SpeechTokenURL != "" {
		var err error
		sc, err = speech.NewClient(speech.Config{
			Region:     cfg.SpeechRegion,
			Key:        cfg.SpeechKey,
			Language:   cfg.Session.Language,
			TokenURL:   cfg.SpeechTokenURL,
			TTSBaseURL: cfg.SpeechTTSURL,
			STTBaseURL: cfg.SpeechSTTURL,
			AvatarURL:  cfg.AvatarURL,
			ProbeURL:   cfg.AvatarProbeURL,
		})
		if err != nil {
			return nil, err
		}
	}

	sdeps := session.Dependencies{
		Local: &session.LocalConnector{Binary: cfg.LocalTTSBinary, Player: a.player},
	}
	if sc != nil {
		sdeps.Bootstrapper = sc
		sdeps.Validator = sc
		sdeps.Avatar = &session.AvatarConnector{Service: sc}
		sdeps.Networked = &session.NetworkedConnector{Synth: sc, Player: a.player}
	}
	opts := session.DefaultOptions()
	opts.BootstrapTimeout = cfg.BootstrapTimeout
	opts.ValidationTimeout = cfg.ValidationTimeout
	opts.NegotiationTimeout = cfg.NegotiationTimeout
	opts.Upgrade.BaseDelay = cfg.UpgradeInterval
	opts.Upgrade.MaxDelay = cfg.UpgradeMaxInterval

	var err error
	if a.manager, err = session.New(a.bus, sdeps, cfg.Session, opts); err != nil {
		return nil, err
	}
	surface, err := session.NewRelaySurface()
	if err != nil {
		return nil, err
	}
	if err := a.manager.Initialize(ctx, surface); err != nil {
		return nil, err
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.orch = orchestrator.New(a.bus, backend, a.manager, a.gate, orchestrator.Config{
		ThreadID:        a.bus.SessionID(),
		SystemPrompt:    cfg.SystemPrompt,
		HistoryMaxTurns: cfg.HistoryMaxTurns,
		BackendTimeout:  cfg.ChatTimeout,
		Breaker:         resilience.New(resilience.DefaultConfig("chat-backend")),
	})
	a.orch.Start(ctx)

	if sc != nil {
		go orchestrator.NewListener(a.bus, sc, a.orch).Run(ctx)
	} else {
		slog.Warn("no speech service configured, voice input disabled; typed chat only")
	}
	go a.gate.Start(ctx, frames)
	go func() {
		if err := a.manager.Connect(ctx); err != nil {
			slog.Error("session connect failed", "error", err)
		}
	}()

	deps.Session = a.manager
	deps.Turns = a.orch
	deps.Surface = surface
	return server.New(deps), nil
}

func (a *app) startDuplex(ctx context.Context, cfg *config.Config, frames <-chan audio.Frame, deps server.Deps) (*server.Server, error) {
	var err error
	a.realtime, err = duplex.CreateSession(ctx, a.bus, duplex.Config{
		BaseURL:      cfg.RealtimeURL,
		APIKey:       cfg.RealtimeKey,
		Model:        cfg.RealtimeModel,
		Voice:        cfg.RealtimeVoice,
		Instructions: cfg.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	opts := duplex.ConnectOptions{Sink: a.player}
	if cfg.RealtimeMute {
		gated, upstream := tee(ctx, frames)
		go a.gate.Start(ctx, gated)
		frames = upstream
		opts.Mute = func() bool { return !a.gate.Speaking() }
	} else {
		deps.Gate = nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.NegotiationTimeout)
	defer cancel()
	if err := a.realtime.Connect(connectCtx, frames, opts); err != nil {
		return nil, err
	}

	deps.Realtime = a.realtime
	srv := server.New(deps)
	srv.SetServing(true)
	return srv, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (chat.Backend, error) {
	if cfg.ChatProvider == config.ProviderGemini {
		return chat.NewGeminiBackend(ctx, chat.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	}
	return chat.NewHTTPBackend(cfg.ChatURL), nil
}

// shutdown stops producers before consumers: session, turns, realtime,
// then capture.
func (a *app) shutdown() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.realtime != nil {
		a.realtime.Disconnect()
	}
	a.mic.Stop()
}

// tee copies frames to two consumers. The gate copy is dropped when the
// gate falls behind; the upstream copy is not.
func tee(ctx context.Context, in <-chan audio.Frame) (<-chan audio.Frame, <-chan audio.Frame) {
	gated := make(chan audio.Frame, frameBuffer)
	upstream := make(chan audio.Frame, frameBuffer)
	go func() {
		defer close(gated)
		defer close(upstream)
		for f := range in {
			select {
			case gated <- f.Clone():
			default:
			}
			select {
			case upstream <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return gated, upstream
}

func nonEmpty(s string) []string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return []string{s}
}
