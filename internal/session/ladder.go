package session

import (
	"context"
	"errors"
	"log/slog"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/speech"
)

var errNoRemote = apperrors.New(apperrors.KindBootstrap, "speech service not configured")

// climb describes one pass down the tier ladder. Only the foreground pass
// moves the session through loading, validating and connecting.
type climb struct {
	cfg        SessionConfig
	ceiling    TierKind
	floor      TierKind
	surface    Surface
	foreground bool
}

func (m *Manager) climb(ctx context.Context, c climb) (Tier, error) {
	req := ConnectRequest{Config: c.cfg, Surface: c.surface, Report: m.bus.Error}
	lastErr := error(apperrors.New(apperrors.KindNegotiation, "no higher tier available"))

	if c.ceiling >= TierNetworkedSpeech {
		var err error
		if c.floor <= TierNetworkedSpeech {
			err = m.bootstrap(ctx, c.foreground)
		}
		switch {
		case apperrors.IsFatal(err):
			return nil, err
		case err != nil:
			slog.Warn("speech service bootstrap failed, remote tiers skipped", "session", m.id, "error", err)
			lastErr = err
		default:
			m.advance(ctx, c.foreground, Connecting)
			t, err := m.negotiate(ctx, req, c.ceiling, c.floor)
			if err == nil {
				return t, nil
			}
			if apperrors.IsFatal(err) {
				return nil, err
			}
			lastErr = err
		}
	}
	if c.floor > TierLocal {
		return nil, lastErr
	}

	m.advance(ctx, c.foreground, Connecting)
	t, err := m.deps.Local.Connect(ctx, req)
	if err != nil {
		return nil, asKind(err, apperrors.KindAudio, "local synthesis unavailable")
	}
	return t, nil
}

// advance moves a foreground pass to state unless it is already there.
func (m *Manager) advance(ctx context.Context, foreground bool, to State) {
	if !foreground || m.GetState().State == to {
		return
	}
	if err := m.setState(ctx, to, TierNone, nil); err != nil {
		slog.Debug("state advance skipped", "session", m.id, "to", to, "error", err)
	}
}

// bootstrap loads and validates the remote capability under hard timeouts.
// Failures are not retried; the caller falls through instead.
func (m *Manager) bootstrap(ctx context.Context, foreground bool) error {
	if m.deps.Bootstrapper == nil && m.deps.Validator == nil {
		return errNoRemote
	}
	if m.deps.Bootstrapper != nil {
		lctx, cancel := context.WithTimeout(ctx, m.opts.BootstrapTimeout)
		err := m.deps.Bootstrapper.Load(lctx)
		cancel()
		if err != nil {
			return asKind(err, apperrors.KindBootstrap, "speech service bootstrap failed")
		}
	}
	m.advance(ctx, foreground, Validating)
	if m.deps.Validator != nil {
		vctx, cancel := context.WithTimeout(ctx, m.opts.ValidationTimeout)
		err := m.deps.Validator.Validate(vctx)
		cancel()
		if err != nil {
			return asKind(err, apperrors.KindBootstrap, "credential validation failed")
		}
	}
	return nil
}

// negotiate tries the avatar tier then networked speech, never going
// below floor.
func (m *Manager) negotiate(ctx context.Context, req ConnectRequest, ceiling, floor TierKind) (Tier, error) {
	lastErr := error(apperrors.New(apperrors.KindNegotiation, "no remote tier available"))
	if ceiling >= TierAvatar && m.deps.Avatar != nil && !m.capabilityAbsent.Load() {
		nctx, cancel := context.WithTimeout(ctx, m.opts.NegotiationTimeout)
		t, err := m.deps.Avatar.Connect(nctx, req)
		cancel()
		if err == nil {
			return t, nil
		}
		if errors.Is(err, speech.ErrCapabilityAbsent) {
			m.capabilityAbsent.Store(true)
			slog.Info("avatar capability absent", "session", m.id)
		} else {
			slog.Warn("avatar negotiation failed", "session", m.id, "error", err)
		}
		if apperrors.IsFatal(err) {
			return nil, err
		}
		lastErr = err
	}
	if floor > TierNetworkedSpeech || m.deps.Networked == nil {
		return nil, lastErr
	}
	t, err := m.deps.Networked.Connect(ctx, req)
	if err != nil {
		slog.Warn("networked speech connect failed", "session", m.id, "error", err)
		return nil, asKind(err, apperrors.KindNegotiation, "networked speech connect failed")
	}
	return t, nil
}

func (m *Manager) startUpgrade(ctx context.Context, version uint64) {
	if !m.upgrading.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.upgrading.Store(false)
		m.upgradeLoop(ctx, version)
	}()
}

// upgradeLoop retries higher tiers in the background until the preferred
// tier is reached, the configuration changes or the session ends. A
// capability the service reported absent is not retried.
func (m *Manager) upgradeLoop(ctx context.Context, version uint64) {
	log := slog.With("session", m.id)
	for attempt := 0; ; attempt++ {
		if err := resilience.Sleep(ctx, resilience.Backoff(m.opts.Upgrade, attempt)); err != nil {
			return
		}
		cfg, v := m.cfg.Load()
		if v != version {
			return
		}
		cur := m.effectiveTier()
		if cur >= cfg.Tier {
			return
		}
		if cur == TierNetworkedSpeech && m.capabilityAbsent.Load() {
			log.Info("avatar capability absent, upgrade loop stopped")
			return
		}
		m.mu.Lock()
		surface := m.surface
		m.mu.Unlock()
		if surface == nil {
			return
		}

		t, err := m.climb(ctx, climb{cfg: cfg, ceiling: cfg.Tier, floor: cur + 1, surface: surface})
		if err != nil {
			if apperrors.IsFatal(err) {
				log.Error("background upgrade rejected credentials", "error", err)
				m.bus.Error(err)
				return
			}
			log.Debug("background upgrade attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if ctx.Err() != nil {
			_ = t.Close()
			return
		}
		log.Info("background upgrade succeeded", "from", cur, "to", t.Kind())
		m.offerUpgrade(ctx, t)
		attempt = -1
	}
}

// effectiveTier is the active tier, or the pending one if higher.
func (m *Manager) effectiveTier() TierKind {
	cur := m.GetState().Tier
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil && m.pending.Kind() > cur {
		return m.pending.Kind()
	}
	return cur
}

// offerUpgrade swaps t in when no utterance is running, otherwise parks it
// until the current one completes.
func (m *Manager) offerUpgrade(ctx context.Context, t Tier) {
	if m.speakMu.TryLock() {
		m.swap(ctx, t)
		m.speakMu.Unlock()
		return
	}
	m.mu.Lock()
	old := m.pending
	m.pending = t
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	slog.Info("tier upgrade deferred until speech completes", "session", m.id, "tier", t.Kind())
}

// applyPending installs a parked upgrade. Callers hold speakMu.
func (m *Manager) applyPending(ctx context.Context) {
	m.mu.Lock()
	t := m.pending
	m.pending = nil
	m.mu.Unlock()
	if t != nil {
		m.swap(ctx, t)
	}
}

// swap replaces the active tier. Callers hold speakMu.
func (m *Manager) swap(ctx context.Context, t Tier) {
	old := m.active
	if old == t {
		return
	}
	if err := m.setState(context.WithoutCancel(ctx), Connected, t.Kind(), nil); err != nil {
		slog.Warn("tier swap rejected", "session", m.id, "tier", t.Kind(), "error", err)
		_ = t.Close()
		return
	}
	m.active = t
	activate(t)
	if old != nil {
		if err := old.Close(); err != nil {
			slog.Debug("previous tier close failed", "tier", old.Kind(), "error", err)
		}
	}
	if t.Kind() == TierAvatar {
		from := TierNone
		if old != nil {
			from = old.Kind()
		}
		m.bus.Emit(events.AvatarReady, TierData{From: from, To: TierAvatar})
	}
	m.watch(ctx, t)
}

func activate(t Tier) {
	if a, ok := t.(activatable); ok {
		a.Activate()
	}
}

// watch downgrades when a tier's transport drops.
func (m *Manager) watch(ctx context.Context, t Tier) {
	ft, ok := t.(failingTier)
	if !ok || ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case err := <-ft.Failed():
			m.downgrade(ctx, t, err)
		}
	}()
}

func (m *Manager) downgrade(ctx context.Context, failed Tier, cause error) {
	log := slog.With("session", m.id, "tier", failed.Kind())
	log.Warn("tier lost, falling back", "error", cause)
	m.bus.Error(cause)

	m.speakMu.Lock()
	defer m.speakMu.Unlock()
	if m.active != failed || ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	surface := m.surface
	m.mu.Unlock()

	cfg, version := m.cfg.Load()
	t, err := m.climb(ctx, climb{cfg: cfg, ceiling: failed.Kind() - 1, floor: TierLocal, surface: surface})
	if err != nil {
		log.Error("no fallback tier available", "error", err)
		m.active = nil
		_ = failed.Close()
		_ = m.setState(context.WithoutCancel(ctx), Disconnected, TierNone, nil)
		m.bus.Error(err)
		return
	}
	m.swap(ctx, t)
	if t.Kind() < cfg.Tier {
		m.startUpgrade(ctx, version)
	}
}
