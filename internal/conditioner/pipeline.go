package conditioner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Stage is one named node of the filter graph. Process works in place.
type Stage interface {
	Name() string
	Process(samples []float32)
}

type filterStage struct{ f *biquad }

func (s filterStage) Name() string              { return s.f.spec.Name }
func (s filterStage) Process(samples []float32) { s.f.process(samples) }

type compressorStage struct{ c *compressor }

func (compressorStage) Name() string                { return "compressor" }
func (s compressorStage) Process(samples []float32) { s.c.process(samples) }

type gainStage struct{ gain *float64 }

func (gainStage) Name() string { return "gain" }
func (s gainStage) Process(samples []float32) {
	g := float32(*s.gain)
	for i := range samples {
		samples[i] *= g
	}
}

// FilterUpdate carries the optional fields of a filter retune.
type FilterUpdate struct {
	Freq *float64 `json:"freq,omitempty"`
	Gain *float64 `json:"gain,omitempty"`
	Q    *float64 `json:"q,omitempty"`
}

// Pipeline is the conditioner graph: filter bank, compressor, gain.
type Pipeline struct {
	mu         sync.Mutex
	sampleRate float64
	params     AudioPipelineParams
	filters    []*biquad
	comp       *compressor
	gain       float64
	stages     []Stage
	taps       map[int][]*Analyzer

	streamsMu sync.Mutex
	streams   map[<-chan audio.Frame]<-chan audio.Frame
}

// NewPipeline builds the stage list once.
func NewPipeline(sampleRate int, params AudioPipelineParams) (*Pipeline, error) {
	if sampleRate <= 0 {
		return nil, apperrors.Newf(apperrors.KindAudio, "invalid sample rate %d", sampleRate)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params.Filters = append([]FilterSpec(nil), params.Filters...)
	p := &Pipeline{
		sampleRate: float64(sampleRate),
		params:     params,
		gain:       clampGain(params.Gain),
		taps:       make(map[int][]*Analyzer),
		streams:    make(map[<-chan audio.Frame]<-chan audio.Frame),
	}
	for _, spec := range params.Filters {
		f := newBiquad(spec, p.sampleRate)
		p.filters = append(p.filters, f)
		p.stages = append(p.stages, filterStage{f})
	}
	p.comp = newCompressor(params.Compressor, p.sampleRate)
	p.stages = append(p.stages, compressorStage{p.comp}, gainStage{&p.gain})
	return p, nil
}

// SampleRate returns the rate the graph was built for.
func (p *Pipeline) SampleRate() int { return int(p.sampleRate) }

// Stages returns the stage names in processing order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Params returns the current parameters.
func (p *Pipeline) Params() AudioPipelineParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.params
	out.Filters = append([]FilterSpec(nil), p.params.Filters...)
	out.Gain = p.gain
	return out
}

// ProcessFrame conditions one frame and returns it with a fresh buffer.
func (p *Pipeline) ProcessFrame(frame audio.Frame) audio.Frame {
	out := frame.Clone()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.stages {
		s.Process(out.Samples)
		for _, a := range p.taps[i] {
			a.feed(out.Samples, int(p.sampleRate))
		}
	}
	return out
}

// Process conditions a stream. Calling it again with the same input
// returns the same output stream. The output closes when the input closes
// or ctx is done.
func (p *Pipeline) Process(ctx context.Context, in <-chan audio.Frame) <-chan audio.Frame {
	p.streamsMu.Lock()
	defer p.streamsMu.Unlock()
	if out, ok := p.streams[in]; ok {
		return out
	}

	out := make(chan audio.Frame, cap(in))
	p.streams[in] = out
	go func() {
		defer close(out)
		defer func() {
			p.streamsMu.Lock()
			delete(p.streams, in)
			p.streamsMu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- p.ProcessFrame(frame):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SetGain sets the final gain, clamped to [MinGain, MaxGain].
func (p *Pipeline) SetGain(g float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = clampGain(g)
	p.params.Gain = p.gain
	return p.gain
}

// UpdateFilter retunes filter index in place. Unset fields keep their
// current value; filter state is not reset.
func (p *Pipeline) UpdateFilter(index int, u FilterUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.filters) {
		return apperrors.Newf(apperrors.KindConfig, "filter index %d out of range [0, %d)", index, len(p.filters))
	}
	spec := p.filters[index].spec
	if u.Freq != nil {
		spec.Freq = *u.Freq
	}
	if u.Gain != nil {
		spec.Gain = *u.Gain
	}
	if u.Q != nil {
		spec.Q = *u.Q
	}
	if !(spec.Freq > 0) || !(spec.Q > 0) {
		return apperrors.Newf(apperrors.KindConfig, "filter %d: freq and q must be positive", index)
	}
	p.filters[index].configure(spec, p.sampleRate)
	p.params.Filters[index] = spec
	slog.Debug("filter updated", "index", index, "name", spec.Name, "freq", spec.Freq, "q", spec.Q, "gain", spec.Gain)
	return nil
}

// UpdateParams applies filter, compressor and gain changes to the live
// graph. The number and kinds of filters are fixed at construction.
func (p *Pipeline) UpdateParams(params AudioPipelineParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(params.Filters) != len(p.filters) {
		return apperrors.Newf(apperrors.KindConfig, "filter bank has %d filters, got %d", len(p.filters), len(params.Filters))
	}
	for i, spec := range params.Filters {
		if spec.Kind != p.filters[i].spec.Kind {
			return apperrors.Newf(apperrors.KindConfig, "filter %d: kind %s cannot change to %s", i, p.filters[i].spec.Kind, spec.Kind)
		}
	}
	for i, spec := range params.Filters {
		p.filters[i].configure(spec, p.sampleRate)
	}
	p.comp.configure(params.Compressor, p.sampleRate)
	p.gain = clampGain(params.Gain)
	p.params = params
	p.params.Filters = append([]FilterSpec(nil), params.Filters...)
	p.params.Gain = p.gain
	return nil
}

// Tap attaches an analyzer after the named stage; "" taps the output.
// The analyzer sees a copy of the signal and never alters the main path.
func (p *Pipeline) Tap(stage string) (*Analyzer, error) {
	idx := len(p.stages) - 1
	if stage != "" {
		idx = -1
		for i, s := range p.stages {
			if s.Name() == stage {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, apperrors.Newf(apperrors.KindConfig, "no stage named %q", stage)
		}
	}
	a := newAnalyzer(DefaultAnalyzerSize)
	p.mu.Lock()
	p.taps[idx] = append(p.taps[idx], a)
	p.mu.Unlock()
	return a, nil
}
