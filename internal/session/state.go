package session

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
)

// State is the session lifecycle position.
type State uint8

const (
	Uninitialized State = iota
	Loading
	Validating
	Connecting
	Connected
	Speaking
	Failed
	Disconnected
)

var stateNames = [...]string{"uninitialized", "loading", "validating", "connecting", "connected", "speaking", "error", "disconnected"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	Uninitialized: {Loading, Disconnected},
	Loading:       {Validating, Connecting, Failed, Disconnected},
	Validating:    {Connecting, Failed, Disconnected},
	Connecting:    {Connected, Failed, Disconnected},
	Connected:     {Speaking, Connected, Disconnected},
	Speaking:      {Connected, Disconnected},
	Failed:        {Loading, Disconnected},
	Disconnected:  {Loading},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	State    State    `json:"state"`
	Tier     TierKind `json:"tier"`
	Speaking bool     `json:"speaking"`
	Err      string   `json:"error,omitempty"`
}

// Ready reports whether speak can be dispatched.
func (s Snapshot) Ready() bool { return s.State == Connected || s.State == Speaking }

// StateData is the payload of state-changed.
type StateData struct {
	From Snapshot `json:"from"`
	To   Snapshot `json:"to"`
}

// TierData is the payload of tier-changed and avatar-ready.
type TierData struct {
	From TierKind `json:"from"`
	To   TierKind `json:"to"`
}

type stateCmd struct {
	to    State
	tier  TierKind // TierNone keeps the current tier
	err   error
	reply chan error
}

// run is the only goroutine that writes session state.
func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case cmd := <-m.cmds:
			cmd.reply <- m.apply(cmd)
		case <-m.closed:
			return
		}
	}
}

func (m *Manager) apply(cmd stateCmd) error {
	cur := *m.snap.Load()
	if !canTransition(cur.State, cmd.to) {
		return apperrors.Newf(apperrors.KindInternal, "invalid session transition %s -> %s", cur.State, cmd.to)
	}
	next := Snapshot{State: cmd.to, Tier: cur.Tier}
	switch cmd.to {
	case Connected, Speaking:
		if cmd.tier != TierNone {
			next.Tier = cmd.tier
		}
		next.Speaking = cmd.to == Speaking
	case Disconnected, Loading:
		next.Tier = TierNone
	case Failed:
		next.Tier = TierNone
		if cmd.err != nil {
			next.Err = apperrors.Message(cmd.err)
		}
	}
	m.snap.Store(&next)

	if cur.State != next.State {
		slog.Info("session state changed", "session", m.id, "from", cur.State, "to", next.State, "tier", next.Tier)
	}
	m.bus.Emit(events.StateChanged, StateData{From: cur, To: next})
	if cur.Tier != next.Tier && next.Tier != TierNone {
		slog.Info("session tier changed", "session", m.id, "from", cur.Tier, "to", next.Tier)
		m.bus.Emit(events.TierChanged, TierData{From: cur.Tier, To: next.Tier})
	}
	return nil
}

// setState routes a transition through the state loop.
func (m *Manager) setState(ctx context.Context, to State, tier TierKind, err error) error {
	cmd := stateCmd{to: to, tier: tier, err: err, reply: make(chan error, 1)}
	select {
	case m.cmds <- cmd:
	case <-m.closed:
		return apperrors.New(apperrors.KindInternal, "session manager closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}
