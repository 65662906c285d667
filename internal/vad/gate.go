// Package vad turns the conditioned stream into speech boundary events.
// The gate compares the speech-band energy against two asymmetric
// thresholds; the close threshold follows the room's noise floor.
package vad

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/conditioner"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
)

// floorEpsilon is the smallest noise floor move worth publishing, in dB.
const floorEpsilon = 0.5

// Segment is one finished utterance, padding included.
type Segment struct {
	Samples    []float32 `json:"-"`
	SampleRate int       `json:"sampleRate"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration { return s.End.Sub(s.Start) }

// SpeechData is the payload of speech-started.
type SpeechData struct {
	Start time.Time `json:"start"`
	Level float64   `json:"level"`
}

// Gate classifies frames as speech or silence.
type Gate struct {
	bus *events.Bus

	mu         sync.Mutex
	params     conditioner.AudioPipelineParams
	spectrum   *conditioner.Spectrum
	speaking   bool
	suspended  bool
	noiseFloor float64
	published  float64
	haveFloor  bool
	belowSince time.Time
	pre        []audio.Frame
	segment    []audio.Frame
	level      float64

	lastSignal time.Time
	starved    bool
	now        func() time.Time
}

// New creates a gate publishing to bus.
func New(bus *events.Bus, params conditioner.AudioPipelineParams) (*Gate, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		bus:      bus,
		params:   params,
		spectrum: conditioner.NewSpectrum(conditioner.DefaultAnalyzerSize),
		level:    conditioner.Floor,
		now:      time.Now,
	}, nil
}

// Start consumes frames until in closes or ctx is done. A watchdog
// surfaces an error when no analyzable signal arrives for NoSignalTimeout.
func (g *Gate) Start(ctx context.Context, in <-chan audio.Frame) {
	g.mu.Lock()
	g.lastSignal = g.now()
	timeout := g.params.NoSignalTimeout
	g.mu.Unlock()

	tick := max(timeout/4, 50*time.Millisecond)
	if timeout <= 0 {
		tick = time.Hour
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			g.ProcessFrame(frame)
		case <-ticker.C:
			g.checkSignal()
		}
	}
}

// ProcessFrame classifies a single frame and publishes resulting events.
func (g *Gate) ProcessFrame(frame audio.Frame) {
	g.mu.Lock()
	evs := g.process(frame)
	g.mu.Unlock()
	for _, ev := range evs {
		g.bus.Publish(ev)
	}
}

func (g *Gate) process(frame audio.Frame) []events.Event {
	if frame.SampleRate <= 0 {
		return nil
	}
	p := g.params
	var evs []events.Event
	level := conditioner.Floor
	if analyzable(frame) {
		g.lastSignal = g.now()
		g.starved = false
		level = g.spectrum.BandLevel(frame.Samples, frame.SampleRate, p.SpeechBandLow, p.SpeechBandHigh)
		g.level = level
		evs = append(evs, events.Event{Type: events.VolumeChange, Time: frame.Timestamp, Data: events.LevelData{Level: level}})
	} else if !g.speaking || g.suspended {
		// digital silence only counts toward closing an open gate
		return nil
	}

	if g.suspended {
		return evs
	}

	closeAt, openAt := g.thresholds()
	if !g.speaking {
		if level >= openAt {
			g.speaking = true
			g.belowSince = time.Time{}
			g.segment = append(g.pre, frame)
			g.pre = nil
			start := g.segment[0].Timestamp
			slog.Debug("speech started", "level", level, "open", openAt)
			return append(evs, events.Event{Type: events.SpeechStarted, Time: frame.Timestamp, Data: SpeechData{Start: start, Level: level}})
		}
		g.remember(frame)
		if ev, ok := g.adaptFloor(level); ok {
			evs = append(evs, ev)
		}
		return evs
	}

	g.segment = append(g.segment, frame)
	if level >= closeAt {
		g.belowSince = time.Time{}
		return evs
	}
	if g.belowSince.IsZero() {
		g.belowSince = frame.Timestamp
	}
	if frame.End().Sub(g.belowSince) < p.PostSpeechPadding {
		return evs
	}

	seg := g.finish()
	slog.Debug("speech ended", "duration", seg.Duration())
	return append(evs, events.Event{Type: events.SpeechEnded, Time: frame.Timestamp, Data: seg})
}

func (g *Gate) thresholds() (closeAt, openAt float64) {
	p := g.params
	closeAt = p.SilenceThreshold
	if g.haveFloor {
		closeAt = math.Max(closeAt, g.noiseFloor+p.NoiseFloorMargin)
	}
	openAt = math.Max(p.VoiceThreshold, closeAt+p.OpenMargin)
	return closeAt, openAt
}

// adaptFloor smooths the noise floor toward level while not speaking.
func (g *Gate) adaptFloor(level float64) (events.Event, bool) {
	if !g.haveFloor {
		g.noiseFloor, g.published, g.haveFloor = level, level, true
		return events.Event{Type: events.NoiseFloorUpdate, Data: events.LevelData{Level: level}}, true
	}
	g.noiseFloor += g.params.NoiseFloorRate * (level - g.noiseFloor)
	if math.Abs(g.noiseFloor-g.published) <= floorEpsilon {
		return events.Event{}, false
	}
	g.published = g.noiseFloor
	return events.Event{Type: events.NoiseFloorUpdate, Data: events.LevelData{Level: g.noiseFloor}}, true
}

// remember keeps the trailing PreSpeechPadding of frames.
func (g *Gate) remember(frame audio.Frame) {
	g.pre = append(g.pre, frame)
	keep := g.params.PreSpeechPadding
	for len(g.pre) > 0 && frame.End().Sub(g.pre[0].Timestamp) > keep {
		g.pre = g.pre[1:]
	}
}

func (g *Gate) finish() Segment {
	seg := Segment{
		Start: g.segment[0].Timestamp,
		End:   g.segment[len(g.segment)-1].End(),
	}
	for _, f := range g.segment {
		seg.SampleRate = f.SampleRate
		seg.Samples = append(seg.Samples, f.Samples...)
	}
	g.speaking = false
	g.segment = nil
	g.belowSince = time.Time{}
	return seg
}

// checkSignal publishes one audio error per starvation episode.
func (g *Gate) checkSignal() {
	g.mu.Lock()
	timeout := g.params.NoSignalTimeout
	fire := timeout > 0 && !g.starved && g.now().Sub(g.lastSignal) >= timeout
	if fire {
		g.starved = true
	}
	g.mu.Unlock()

	if fire {
		slog.Warn("no analyzable audio signal", "timeout", timeout)
		g.bus.Error(apperrors.Newf(apperrors.KindAudio, "no analyzable audio signal for %s", timeout))
	}
}

// Suspend stops boundary detection and drops any partial utterance.
func (g *Gate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = true
	g.speaking = false
	g.segment = nil
	g.pre = nil
	g.belowSince = time.Time{}
}

// Resume re-arms boundary detection.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = false
	g.pre = nil
}

// Suspended reports whether detection is paused.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

// Speaking reports whether the gate is open.
func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// Level returns the most recent speech-band level in dB.
func (g *Gate) Level() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// NoiseFloor returns the adapted floor and whether one has been measured.
func (g *Gate) NoiseFloor() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.noiseFloor, g.haveFloor
}

// UpdateParams applies thresholds, padding and adaptation changes live.
func (g *Gate) UpdateParams(params conditioner.AudioPipelineParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = params
	return nil
}

func analyzable(frame audio.Frame) bool {
	for _, s := range frame.Samples {
		if s != 0 {
			return true
		}
	}
	return false
}
