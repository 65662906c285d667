package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/syncx"
)

// Options tunes timeouts and background work.
type Options struct {
	BootstrapTimeout   time.Duration
	ValidationTimeout  time.Duration
	NegotiationTimeout time.Duration
	// Upgrade paces background tier upgrades; BaseDelay is the first
	// interval, MaxDelay the ceiling.
	Upgrade         resilience.RetryConfig
	MetricsInterval time.Duration
}

// DefaultOptions returns production timeouts.
func DefaultOptions() Options {
	return Options{
		BootstrapTimeout:   10 * time.Second,
		ValidationTimeout:  5 * time.Second,
		NegotiationTimeout: 15 * time.Second,
		Upgrade: resilience.RetryConfig{
			BaseDelay:    30 * time.Second,
			MaxDelay:     5 * time.Minute,
			JitterFactor: resilience.DefaultJitterFactor,
		},
		MetricsInterval: 2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = d.BootstrapTimeout
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = d.ValidationTimeout
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = d.NegotiationTimeout
	}
	if o.Upgrade.BaseDelay <= 0 {
		o.Upgrade = d.Upgrade
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = d.MetricsInterval
	}
	return o
}

// Manager owns one media session. State is written only by its command
// loop; everything else reads snapshots or listens on the bus.
type Manager struct {
	id       string
	bus      *events.Bus
	deps     Dependencies
	opts     Options
	cfg      *syncx.Value[SessionConfig]
	reporter *Reporter

	snap     atomic.Pointer[Snapshot]
	cmds     chan stateCmd
	closed   chan struct{}
	loopDone chan struct{}
	closeOne sync.Once

	// lifecycle serializes Initialize, Connect, Disconnect and Reconfigure.
	lifecycle sync.Mutex

	mu      sync.Mutex
	surface Surface
	ctx     context.Context
	cancel  context.CancelFunc
	pending Tier

	// speakMu is held for a whole utterance and for every tier swap.
	speakMu sync.Mutex
	active  Tier

	wg               sync.WaitGroup
	upgrading        atomic.Bool
	capabilityAbsent atomic.Bool
}

// New creates a manager in the uninitialized state.
func New(bus *events.Bus, deps Dependencies, cfg SessionConfig, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Local == nil {
		return nil, apperrors.New(apperrors.KindConfig, "local tier connector is required")
	}
	m := &Manager{
		id:       bus.SessionID(),
		bus:      bus,
		deps:     deps,
		opts:     opts.withDefaults(),
		cfg:      syncx.NewValue(cfg),
		reporter: NewReporter(time.Now()),
		cmds:     make(chan stateCmd),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}
	m.snap.Store(&Snapshot{State: Uninitialized})
	go m.run()
	return m, nil
}

// ID returns the session id.
func (m *Manager) ID() string { return m.id }

// GetState returns the current snapshot.
func (m *Manager) GetState() Snapshot { return *m.snap.Load() }

// IsReady reports whether Speak can be dispatched.
func (m *Manager) IsReady() bool { return m.GetState().Ready() }

// Config returns the active session configuration.
func (m *Manager) Config() SessionConfig { return m.cfg.Get() }

// Metrics returns the last stream metrics sample.
func (m *Manager) Metrics() StreamMetrics { return m.reporter.Latest() }

// Initialize binds the render surface to this session.
func (m *Manager) Initialize(ctx context.Context, surface Surface) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.initialize(ctx, surface)
}

func (m *Manager) initialize(_ context.Context, surface Surface) error {
	if surface == nil {
		return apperrors.New(apperrors.KindConfig, "render surface is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.surface != nil {
		return apperrors.New(apperrors.KindConfig, "session already initialized")
	}
	if err := surface.Bind(m.id); err != nil {
		return err
	}
	m.surface = meteredSurface{Surface: surface, reporter: m.reporter}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return nil
}

// Connect runs the tier ladder from the preferred tier down and leaves the
// session connected at the best tier that succeeded.
func (m *Manager) Connect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	sess, surface := m.ctx, m.surface
	m.mu.Unlock()
	if surface == nil {
		return apperrors.New(apperrors.KindConfig, "session not initialized")
	}
	if m.IsReady() {
		return nil
	}
	ctx, stop := mergeContext(ctx, sess)
	defer stop()

	cfg, version := m.cfg.Load()
	log := slog.With("session", m.id, "preferred", cfg.Tier)
	if err := m.setState(ctx, Loading, TierNone, nil); err != nil {
		return err
	}
	t, err := m.climb(ctx, climb{cfg: cfg, ceiling: cfg.Tier, floor: TierLocal, surface: surface, foreground: true})
	if err != nil {
		log.Error("session connect failed", "error", err)
		_ = m.setState(context.WithoutCancel(ctx), Failed, TierNone, err)
		m.bus.Error(err)
		return err
	}

	m.speakMu.Lock()
	m.active = t
	activate(t)
	serr := m.setState(context.WithoutCancel(ctx), Connected, t.Kind(), nil)
	m.speakMu.Unlock()
	if serr != nil {
		_ = t.Close()
		return serr
	}
	log.Info("session connected", "tier", t.Kind())
	if t.Kind() == TierAvatar {
		m.bus.Emit(events.AvatarReady, TierData{From: TierNone, To: TierAvatar})
	}

	m.watch(sess, t)
	m.wg.Add(1)
	go m.reportLoop(sess)
	if t.Kind() < cfg.Tier {
		m.startUpgrade(sess, version)
	}
	return nil
}

// Speak renders text through the active tier. Only one utterance runs at a
// time; a failure is published and returned but leaves the session
// connected.
func (m *Manager) Speak(ctx context.Context, text, emotion string) error {
	m.speakMu.Lock()
	defer m.speakMu.Unlock()

	m.mu.Lock()
	sess := m.ctx
	m.mu.Unlock()
	if sess == nil {
		sess = context.Background()
	}
	m.applyPending(sess)

	t := m.active
	if t == nil || !m.IsReady() {
		err := apperrors.New(apperrors.KindSynthesis, "session not connected")
		m.bus.Error(err)
		return err
	}
	ctx, stop := mergeContext(ctx, sess)
	defer stop()

	cfg := m.cfg.Get()
	if t.Kind() == TierLocal {
		cfg.Voice = cfg.LocalVoice
	}
	// cfg.Style is the avatar pose, not a speaking style
	u := Utterance{Text: text, Emotion: emotion, SSML: BuildSSML(cfg, text, emotion, t.SupportsExpression())}

	bg := context.WithoutCancel(ctx)
	if err := m.setState(bg, Speaking, t.Kind(), nil); err != nil {
		return err
	}
	data := SpeakData{Text: text, Tier: t.Kind()}
	dispatched := time.Now()
	var once sync.Once
	u.OnStart = func() {
		once.Do(func() {
			m.reporter.ObserveLatency(time.Since(dispatched))
			m.bus.Emit(events.SpeakingStarted, data)
		})
	}
	err := t.Speak(ctx, u)
	_ = m.setState(bg, Connected, t.Kind(), nil)
	if err != nil {
		err = asKind(err, apperrors.KindSynthesis, "speak failed")
		slog.Warn("speak failed", "session", m.id, "tier", t.Kind(), "error", err)
		m.bus.Error(err)
		return err
	}
	u.OnStart()
	m.bus.Emit(events.SpeakingCompleted, data)
	m.applyPending(sess)
	return nil
}

// SpeakData is the payload of speaking-started and speaking-completed.
type SpeakData struct {
	Text string   `json:"text"`
	Tier TierKind `json:"tier"`
}

// Disconnect tears the session down. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.disconnect()
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.speakMu.Lock()
	active := m.active
	m.active = nil
	m.mu.Lock()
	pending, surface := m.pending, m.surface
	m.pending, m.surface, m.ctx = nil, nil, nil
	m.mu.Unlock()
	m.speakMu.Unlock()

	for _, t := range []Tier{active, pending} {
		if t != nil {
			if err := t.Close(); err != nil {
				slog.Warn("tier close failed", "session", m.id, "tier", t.Kind(), "error", err)
			}
		}
	}
	if surface != nil {
		surface.Clear()
		surface.Unbind(m.id)
	}
	if m.GetState().State != Disconnected {
		_ = m.setState(context.Background(), Disconnected, TierNone, nil)
	}
}

// Reconfigure replaces the session configuration and reconnects on the
// same surface.
func (m *Manager) Reconfigure(ctx context.Context, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	surface := m.surface
	m.mu.Unlock()
	if ms, ok := surface.(meteredSurface); ok {
		surface = ms.Surface
	}
	m.disconnect()
	m.cfg.Set(cfg)
	m.capabilityAbsent.Store(false)
	slog.Info("session reconfigured", "session", m.id, "tier", cfg.Tier, "persona", cfg.Persona, "voice", cfg.Voice)
	if surface == nil {
		return nil
	}
	if err := m.initialize(ctx, surface); err != nil {
		return err
	}
	return m.connect(ctx)
}

// Close disconnects and stops the state loop.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOne.Do(func() {
		close(m.closed)
		<-m.loopDone
	})
}

func (m *Manager) reportLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.bus.Emit(events.Metrics, m.reporter.Sample(now, m.GetState().Tier))
		}
	}
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
