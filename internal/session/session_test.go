package session

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Uninitialized, Loading, true},
		{Loading, Validating, true},
		{Validating, Failed, true},
		{Connecting, Connected, true},
		{Connected, Speaking, true},
		{Speaking, Connected, true},
		{Connected, Failed, false},
		{Speaking, Failed, false},
		{Failed, Loading, true},
		{Disconnected, Connected, false},
		{Uninitialized, Speaking, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestBuildSSML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rate = "+10%"

	plain := BuildSSML(cfg, `Tom & "Jerry" <3`, "cheerful", false)
	assert.Contains(t, plain, `<voice name="en-US-JennyNeural">`)
	assert.Contains(t, plain, `rate="+10%"`)
	assert.Contains(t, plain, "Tom &amp; &#34;Jerry&#34; &lt;3")
	assert.NotContains(t, plain, "express-as")

	styled := BuildSSML(cfg, "hi", "cheerful", true)
	assert.Contains(t, styled, `<mstts:express-as style="cheerful">`)
	assert.True(t, strings.HasSuffix(styled, "</mstts:express-as></voice></speak>"))
}

func TestParseTierAndConfig(t *testing.T) {
	tier, err := ParseTier("Networked")
	require.NoError(t, err)
	assert.Equal(t, TierNetworkedSpeech, tier)

	_, err = ParseTier("hologram")
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))

	cfg, err := DefaultConfig().Merge(json.RawMessage(`{"tier":"local","persona":"max"}`))
	require.NoError(t, err)
	assert.Equal(t, TierLocal, cfg.Tier)
	assert.Equal(t, "max", cfg.Persona)
	assert.Equal(t, "en-US-JennyNeural", cfg.Voice)

	bad := DefaultConfig()
	bad.Voice = ""
	assert.Error(t, bad.Validate())
}

func TestPlaceholderRedrawSkippedWhenUnchanged(t *testing.T) {
	s, err := NewRelaySurface()
	require.NoError(t, err)

	cfg := DefaultConfig()
	require.NoError(t, s.ShowPlaceholder(Placeholder(cfg)))
	require.NoError(t, s.ShowPlaceholder(Placeholder(cfg)))
	assert.Equal(t, 1, s.Redraws())

	cfg.Background = "black"
	require.NoError(t, s.ShowPlaceholder(Placeholder(cfg)))
	assert.Equal(t, 2, s.Redraws())

	s.Clear()
	assert.Nil(t, s.Placeholder())
}

func TestPlaceholderColors(t *testing.T) {
	img := Placeholder(SessionConfig{Background: "#102030", Persona: "lisa"})
	assert.Equal(t, image.Rect(0, 0, placeholderWidth, placeholderHeight), img.Bounds())
	assert.Equal(t, color.RGBA{0x10, 0x20, 0x30, 0xff}, img.At(0, 0))
	assert.NotEqual(t, img.At(0, 0), img.At(placeholderWidth/2, placeholderHeight/2))
}

func TestReporterSample(t *testing.T) {
	start := time.Unix(0, 0)
	r := NewReporter(start)
	for i := 0; i < 50; i++ {
		r.ObserveRTP(MediaVideo, &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: make([]byte, 1000)})
	}
	r.ObserveRTP(MediaAudio, &rtp.Packet{Payload: make([]byte, 250)})
	r.ObserveLatency(120 * time.Millisecond)

	m := r.Sample(start.Add(2*time.Second), TierAvatar)
	assert.InDelta(t, 25, m.FPS, 0.001)
	assert.InDelta(t, 201, m.BitrateKbps, 0.001)
	assert.InDelta(t, 120, m.LatencyMs, 0.001)
	assert.Equal(t, "high", m.Quality)
	assert.Equal(t, m, r.Latest())

	next := r.Sample(start.Add(3*time.Second), TierAvatar)
	assert.Zero(t, next.FPS)
	assert.Equal(t, "none", next.Quality)
	assert.Equal(t, "none", quality(TierNetworkedSpeech, 30))
	assert.Equal(t, "medium", quality(TierAvatar, 12))
}

func TestAvatarTierControlProtocol(t *testing.T) {
	var reported []error
	tier := newAvatarTier(nil, nil, func(err error) { reported = append(reported, err) })
	sent := make(chan controlMessage, 4)
	tier.send = func(text string) error {
		var msg controlMessage
		require.NoError(t, json.Unmarshal([]byte(text), &msg))
		sent <- msg
		return nil
	}

	startedCalls := 0
	done := make(chan error, 1)
	go func() {
		done <- tier.Speak(context.Background(), Utterance{SSML: "<speak/>", OnStart: func() { startedCalls++ }})
	}()
	req := <-sent
	assert.Equal(t, "speak", req.Type)
	assert.Equal(t, "<speak/>", req.SSML)

	tier.onControl([]byte(`{"type":"speak.started","id":"` + req.ID + `"}`))
	tier.onControl([]byte(`{"type":"speak.completed","id":"` + req.ID + `"}`))
	require.NoError(t, <-done)
	assert.Equal(t, 1, startedCalls)

	tier.onControl([]byte(`{not json`))
	require.Len(t, reported, 1)
	assert.True(t, apperrors.IsKind(reported[0], apperrors.KindProtocol))
}

type countingSurface struct {
	Surface
	writes int
}

func (s *countingSurface) WriteRTP(MediaKind, *rtp.Packet) error {
	s.writes++
	return nil
}

func TestAvatarTierRelaysOnlyWhenActive(t *testing.T) {
	surface := &countingSurface{}
	tier := newAvatarTier(nil, surface, nil)

	tier.relay(MediaVideo, &rtp.Packet{})
	tier.relay(MediaAudio, &rtp.Packet{})
	assert.Zero(t, surface.writes, "inactive tier must not touch the surface")

	tier.Activate()
	tier.relay(MediaVideo, &rtp.Packet{})
	assert.Equal(t, 1, surface.writes)
}

func TestAvatarTierSpeakFailure(t *testing.T) {
	tier := newAvatarTier(nil, nil, nil)
	ids := make(chan string, 1)
	tier.send = func(text string) error {
		var msg controlMessage
		_ = json.Unmarshal([]byte(text), &msg)
		ids <- msg.ID
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- tier.Speak(context.Background(), Utterance{}) }()
	id := <-ids
	tier.onControl([]byte(`{"type":"speak.failed","id":"` + id + `","error":"voice not found"}`))

	err := <-done
	assert.True(t, apperrors.IsKind(err, apperrors.KindSynthesis))
	assert.Contains(t, err.Error(), "voice not found")
}

func TestAvatarTierLostConnectionEndsSpeech(t *testing.T) {
	tier := newAvatarTier(nil, nil, nil)
	tier.send = func(string) error { return nil }
	done := make(chan error, 1)
	go func() { done <- tier.Speak(context.Background(), Utterance{}) }()

	tier.markLost(apperrors.New(apperrors.KindNegotiation, "ice failed"))
	assert.Error(t, <-done)
	assert.Error(t, <-tier.Failed())
	assert.NoError(t, tier.Close())
}
