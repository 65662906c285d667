package vad

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/conditioner"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
)

const (
	rate      = 16000
	frameSize = 320 // 20ms
	frameDur  = 20 * time.Millisecond
)

var t0 = time.Unix(1000, 0)

type recorder struct {
	events []events.Event
}

func (r *recorder) of(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newGate(t *testing.T, mutate func(*conditioner.AudioPipelineParams)) (*Gate, *recorder) {
	t.Helper()
	bus := events.NewBus("test")
	rec := &recorder{}
	bus.SubscribeAll(func(ev events.Event) { rec.events = append(rec.events, ev) })
	p := conditioner.DefaultParams()
	if mutate != nil {
		mutate(&p)
	}
	g, err := New(bus, p)
	require.NoError(t, err)
	return g, rec
}

// feed sends n frames of a 1 kHz tone at amp starting at frame index idx.
func feed(g *Gate, idx, n int, amp float64) int {
	for i := 0; i < n; i++ {
		samples := make([]float32, frameSize)
		for j := range samples {
			k := (idx+i)*frameSize + j
			samples[j] = float32(amp * math.Sin(2*math.Pi*1000*float64(k)/rate))
		}
		g.ProcessFrame(audio.Frame{
			Samples:    samples,
			SampleRate: rate,
			Timestamp:  t0.Add(time.Duration(idx+i) * frameDur),
		})
	}
	return idx + n
}

func TestRampProducesOneStartAndOneEnd(t *testing.T) {
	g, rec := newGate(t, nil)

	idx := feed(g, 0, 50, 0.001) // room noise
	loudAt := idx
	idx = feed(g, idx, 25, 0.1)
	quietAt := idx
	feed(g, idx, 60, 0.001)

	starts := rec.of(events.SpeechStarted)
	ends := rec.of(events.SpeechEnded)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)

	start := starts[0].Data.(SpeechData)
	assert.Equal(t, t0.Add(time.Duration(loudAt)*frameDur-300*time.Millisecond), start.Start)

	seg := ends[0].Data.(Segment)
	quietStart := t0.Add(time.Duration(quietAt) * frameDur)
	assert.GreaterOrEqual(t, seg.End.Sub(quietStart), 700*time.Millisecond)
	assert.Equal(t, start.Start, seg.Start)
	assert.Equal(t, rate, seg.SampleRate)
	assert.Len(t, seg.Samples, int(seg.Duration()/frameDur)*frameSize)
	assert.False(t, g.Speaking())

	startIdx, endIdx := indexOf(rec.events, events.SpeechStarted), indexOf(rec.events, events.SpeechEnded)
	assert.Less(t, startIdx, endIdx)
}

func indexOf(evs []events.Event, typ events.Type) int {
	for i, ev := range evs {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

func TestBriefPauseDoesNotEndUtterance(t *testing.T) {
	g, rec := newGate(t, nil)
	idx := feed(g, 0, 20, 0.001)
	idx = feed(g, idx, 20, 0.1)
	idx = feed(g, idx, 15, 0.001) // 300ms pause, shorter than post padding
	idx = feed(g, idx, 20, 0.1)
	feed(g, idx, 50, 0.001)

	assert.Len(t, rec.of(events.SpeechStarted), 1)
	assert.Len(t, rec.of(events.SpeechEnded), 1)
}

func TestVolumeAndNoiseFloorEvents(t *testing.T) {
	g, rec := newGate(t, nil)
	feed(g, 0, 10, 0.001)
	idx := feed(g, 10, 60, 0.005)
	_ = idx

	assert.Len(t, rec.of(events.VolumeChange), 70)
	floors := rec.of(events.NoiseFloorUpdate)
	require.GreaterOrEqual(t, len(floors), 2)
	for i := 1; i < len(floors); i++ {
		prev := floors[i-1].Data.(events.LevelData).Level
		cur := floors[i].Data.(events.LevelData).Level
		assert.Greater(t, math.Abs(cur-prev), floorEpsilon)
	}

	floor, ok := g.NoiseFloor()
	assert.True(t, ok)
	assert.InDelta(t, g.Level(), floor, 3)
	assert.Empty(t, rec.of(events.SpeechStarted))
}

func TestCloseThresholdFollowsNoiseFloor(t *testing.T) {
	g, _ := newGate(t, nil)
	feed(g, 0, 100, 0.01) // about -43 dB room

	closeAt, openAt := g.thresholds()
	floor, _ := g.NoiseFloor()
	assert.InDelta(t, floor+6, closeAt, 1e-9)
	assert.InDelta(t, closeAt+6, openAt, 1e-9)
	assert.Greater(t, closeAt, -50.0)
}

func TestSuspendSuppressesBoundaries(t *testing.T) {
	g, rec := newGate(t, nil)
	idx := feed(g, 0, 20, 0.001)
	idx = feed(g, idx, 10, 0.1)
	require.True(t, g.Speaking())

	g.Suspend()
	assert.True(t, g.Suspended())
	assert.False(t, g.Speaking())
	idx = feed(g, idx, 60, 0.1)
	idx = feed(g, idx, 60, 0.001)

	assert.Len(t, rec.of(events.SpeechStarted), 1)
	assert.Empty(t, rec.of(events.SpeechEnded))

	g.Resume()
	idx = feed(g, idx, 10, 0.1)
	feed(g, idx, 60, 0.001)
	assert.Len(t, rec.of(events.SpeechStarted), 2)
	ends := rec.of(events.SpeechEnded)
	require.Len(t, ends, 1)

	seg := ends[0].Data.(Segment)
	assert.LessOrEqual(t, seg.Start.Sub(t0), time.Duration(150)*frameDur)
	assert.GreaterOrEqual(t, seg.Start.Sub(t0), time.Duration(150)*frameDur-300*time.Millisecond)
}

func TestNoPrePadding(t *testing.T) {
	g, rec := newGate(t, func(p *conditioner.AudioPipelineParams) { p.PreSpeechPadding = 0 })
	idx := feed(g, 0, 20, 0.001)
	feed(g, idx, 5, 0.1)

	starts := rec.of(events.SpeechStarted)
	require.Len(t, starts, 1)
	assert.Equal(t, t0.Add(20*frameDur), starts[0].Data.(SpeechData).Start)
}

func TestDigitalSilenceEndsUtterance(t *testing.T) {
	g, rec := newGate(t, nil)
	now := t0
	g.now = func() time.Time { return now }

	idx := feed(g, 0, 50, 0.001)
	idx = feed(g, idx, 50, 0.3)
	require.True(t, g.Speaking())
	heard := g.lastSignal
	floor, _ := g.NoiseFloor()
	volumes := len(rec.of(events.VolumeChange))

	silentAt := idx
	now = now.Add(time.Second)
	feed(g, idx, 250, 0) // 5s of exact zeros, as from a muted device

	require.Len(t, rec.of(events.SpeechStarted), 1)
	ends := rec.of(events.SpeechEnded)
	require.Len(t, ends, 1)
	assert.False(t, g.Speaking())

	seg := ends[0].Data.(Segment)
	silenceStart := t0.Add(time.Duration(silentAt) * frameDur)
	assert.Equal(t, g.params.PostSpeechPadding, seg.End.Sub(silenceStart))

	// zeros neither feed the watchdog nor move the noise floor
	assert.Equal(t, heard, g.lastSignal)
	after, _ := g.NoiseFloor()
	assert.Equal(t, floor, after)
	assert.Len(t, rec.of(events.VolumeChange), volumes)
}

func TestStarvationFailsOpen(t *testing.T) {
	g, rec := newGate(t, nil)
	now := t0
	g.now = func() time.Time { return now }
	g.lastSignal = now

	// empty and all-zero frames are not analyzable
	g.ProcessFrame(audio.Frame{SampleRate: rate, Timestamp: now})
	g.ProcessFrame(audio.Frame{Samples: make([]float32, frameSize), SampleRate: rate, Timestamp: now})
	assert.Empty(t, rec.of(events.VolumeChange))

	now = now.Add(time.Second)
	g.checkSignal()
	assert.Empty(t, rec.of(events.Error))

	now = now.Add(2 * time.Second)
	g.checkSignal()
	g.checkSignal()
	errs := rec.of(events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, apperrors.KindAudio, errs[0].Data.(events.ErrorData).Kind)

	feed(g, 0, 1, 0.01)
	now = now.Add(3 * time.Second)
	g.checkSignal()
	assert.Len(t, rec.of(events.Error), 2)
}

func TestUpdateParams(t *testing.T) {
	g, rec := newGate(t, nil)
	bad := conditioner.DefaultParams()
	bad.SilenceThreshold = -10
	assert.Error(t, g.UpdateParams(bad))

	loose := conditioner.DefaultParams()
	loose.VoiceThreshold = -10
	loose.SilenceThreshold = -20
	require.NoError(t, g.UpdateParams(loose))

	idx := feed(g, 0, 20, 0.001)
	feed(g, idx, 20, 0.1) // about -23 dB, below the raised open threshold
	assert.Empty(t, rec.of(events.SpeechStarted))
}
