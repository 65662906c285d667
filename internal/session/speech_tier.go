package session

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Synthesizer turns SSML into PCM samples.
type Synthesizer interface {
	Synthesize(ctx context.Context, ssml string) ([]float32, int, error)
}

// speechTier synthesizes a whole utterance and plays it. It backs both the
// networked and the local tier.
type speechTier struct {
	kind    TierKind
	synth   Synthesizer
	player  audio.Player
	surface Surface
}

func (t *speechTier) Kind() TierKind           { return t.kind }
func (t *speechTier) SupportsExpression() bool { return false }

func (t *speechTier) Speak(ctx context.Context, u Utterance) error {
	samples, rate, err := t.synth.Synthesize(ctx, u.SSML)
	if err != nil {
		return asKind(err, apperrors.KindSynthesis, "synthesis failed")
	}
	if len(samples) == 0 {
		return apperrors.New(apperrors.KindSynthesis, "synthesis returned no audio")
	}
	if u.OnStart != nil {
		u.OnStart()
	}
	if err := t.player.Play(ctx, samples, rate); err != nil {
		return apperrors.Wrap(err, apperrors.KindSynthesis, "playback failed")
	}
	return nil
}

func (t *speechTier) Close() error {
	if t.surface != nil {
		t.surface.Clear()
	}
	return nil
}

// NetworkedConnector builds the networked speech tier on an already
// validated speech service.
type NetworkedConnector struct {
	Synth  Synthesizer
	Player audio.Player
}

func (c *NetworkedConnector) Connect(ctx context.Context, req ConnectRequest) (Tier, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNegotiation, "networked speech connect cancelled")
	}
	if req.Surface != nil {
		if err := req.Surface.ShowPlaceholder(Placeholder(req.Config)); err != nil {
			slog.Warn("placeholder render failed", "error", err)
		}
	}
	return &speechTier{kind: TierNetworkedSpeech, synth: c.Synth, player: c.Player, surface: req.Surface}, nil
}

// LocalConnector builds the on-device tier. Synth overrides the default
// espeak-ng synthesizer.
type LocalConnector struct {
	Binary string
	Player audio.Player
	Synth  Synthesizer
}

func (c *LocalConnector) Connect(_ context.Context, req ConnectRequest) (Tier, error) {
	synth := c.Synth
	if synth == nil {
		e := ESpeak{Binary: c.Binary, Voice: req.Config.LocalVoice}
		if err := e.Available(); err != nil {
			return nil, err
		}
		synth = e
	}
	return &speechTier{kind: TierLocal, synth: synth, player: c.Player}, nil
}

// ESpeak runs espeak-ng with SSML input and WAV output.
type ESpeak struct {
	Binary string
	Voice  string
}

func (e ESpeak) binary() string {
	if e.Binary == "" {
		return "espeak-ng"
	}
	return e.Binary
}

// Available reports whether the binary is on PATH.
func (e ESpeak) Available() error {
	if _, err := exec.LookPath(e.binary()); err != nil {
		return apperrors.Wrap(err, apperrors.KindAudio, "local synthesizer not installed")
	}
	return nil
}

func (e ESpeak) Synthesize(ctx context.Context, ssml string) ([]float32, int, error) {
	args := []string{"-m", "--stdout"}
	if e.Voice != "" {
		args = append(args, "-v", e.Voice)
	}
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	cmd.Stdin = bytes.NewBufferString(ssml)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.KindSynthesis, "local synthesis failed").
			WithMetadata("stderr", stderr.String())
	}
	samples, rate, err := audio.DecodeWAV(out)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.KindSynthesis, "unreadable local synthesis output")
	}
	return samples, rate, nil
}
