// Package conditioner cleans the raw microphone stream before anything
// else touches it. The filter graph is a fixed stage list built once; its
// parameters can be retuned live without rebuilding it.
package conditioner

import (
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Gain stage bounds. Amplification is never unbounded.
const (
	MinGain = 0.0
	MaxGain = 4.0
)

// FilterKind selects a biquad response.
type FilterKind string

const (
	Highpass FilterKind = "highpass"
	Lowpass  FilterKind = "lowpass"
	Notch    FilterKind = "notch"
	Peaking  FilterKind = "peaking"
)

// FilterSpec describes one biquad in the bank.
type FilterSpec struct {
	Name string     `yaml:"name" json:"name"`
	Kind FilterKind `yaml:"kind" json:"kind"`
	Freq float64    `yaml:"freq" json:"freq"`
	Q    float64    `yaml:"q" json:"q"`
	Gain float64    `yaml:"gain" json:"gain"` // dB, peaking only
}

// CompressorParams tunes the dynamics stage.
type CompressorParams struct {
	Threshold float64       `yaml:"threshold" json:"threshold"` // dBFS
	Knee      float64       `yaml:"knee" json:"knee"`           // dB
	Ratio     float64       `yaml:"ratio" json:"ratio"`
	Attack    time.Duration `yaml:"attack" json:"attack"`
	Release   time.Duration `yaml:"release" json:"release"`
}

// AudioPipelineParams holds every runtime-tunable audio parameter. The
// conditioner reads the filter, compressor and gain fields; the gate reads
// thresholds, padding and noise-floor adaptation.
type AudioPipelineParams struct {
	Filters    []FilterSpec     `yaml:"filters" json:"filters"`
	Compressor CompressorParams `yaml:"compressor" json:"compressor"`
	Gain       float64          `yaml:"gain" json:"gain"`

	VoiceThreshold    float64       `yaml:"voice_threshold" json:"voiceThreshold"`
	SilenceThreshold  float64       `yaml:"silence_threshold" json:"silenceThreshold"`
	OpenMargin        float64       `yaml:"open_margin" json:"openMargin"`
	NoiseFloorMargin  float64       `yaml:"noise_floor_margin" json:"noiseFloorMargin"`
	NoiseFloorRate    float64       `yaml:"noise_floor_rate" json:"noiseFloorRate"`
	SpeechBandLow     float64       `yaml:"speech_band_low" json:"speechBandLow"`
	SpeechBandHigh    float64       `yaml:"speech_band_high" json:"speechBandHigh"`
	PreSpeechPadding  time.Duration `yaml:"pre_speech_padding" json:"preSpeechPadding"`
	PostSpeechPadding time.Duration `yaml:"post_speech_padding" json:"postSpeechPadding"`
	NoSignalTimeout   time.Duration `yaml:"no_signal_timeout" json:"noSignalTimeout"`
}

// DefaultFilters is the standard bank: rumble and hiss removal, mains-hum
// notches, and an intelligibility boost.
func DefaultFilters() []FilterSpec {
	return []FilterSpec{
		{Name: "highpass", Kind: Highpass, Freq: 80, Q: math.Sqrt2 / 2},
		{Name: "lowpass", Kind: Lowpass, Freq: 8000, Q: math.Sqrt2 / 2},
		{Name: "notch-50", Kind: Notch, Freq: 50, Q: 30},
		{Name: "notch-60", Kind: Notch, Freq: 60, Q: 30},
		{Name: "notch-100", Kind: Notch, Freq: 100, Q: 30},
		{Name: "notch-120", Kind: Notch, Freq: 120, Q: 30},
		{Name: "presence", Kind: Peaking, Freq: 2000, Q: 1, Gain: 3},
	}
}

// DefaultParams returns production defaults.
func DefaultParams() AudioPipelineParams {
	return AudioPipelineParams{
		Filters: DefaultFilters(),
		Compressor: CompressorParams{
			Threshold: -24,
			Knee:      30,
			Ratio:     12,
			Attack:    3 * time.Millisecond,
			Release:   250 * time.Millisecond,
		},
		Gain:              1,
		VoiceThreshold:    -40,
		SilenceThreshold:  -50,
		OpenMargin:        6,
		NoiseFloorMargin:  6,
		NoiseFloorRate:    0.05,
		SpeechBandLow:     300,
		SpeechBandHigh:    3400,
		PreSpeechPadding:  300 * time.Millisecond,
		PostSpeechPadding: 700 * time.Millisecond,
		NoSignalTimeout:   2 * time.Second,
	}
}

// LoadParams reads YAML overrides on top of the defaults.
func LoadParams(path string) (AudioPipelineParams, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, apperrors.Wrapf(err, apperrors.KindConfig, "read audio params %s", path)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, apperrors.Wrapf(err, apperrors.KindConfig, "parse audio params %s", path)
	}
	return p, p.Validate()
}

// Validate rejects parameters the graph cannot run with.
func (p AudioPipelineParams) Validate() error {
	for i, f := range p.Filters {
		switch f.Kind {
		case Highpass, Lowpass, Notch, Peaking:
		default:
			return apperrors.Newf(apperrors.KindConfig, "filter %d: unknown kind %q", i, f.Kind)
		}
		if !(f.Freq > 0) || !(f.Q > 0) {
			return apperrors.Newf(apperrors.KindConfig, "filter %d: freq and q must be positive", i)
		}
	}
	c := p.Compressor
	switch {
	case c.Ratio < 1:
		return apperrors.New(apperrors.KindConfig, "compressor ratio must be >= 1")
	case c.Knee < 0:
		return apperrors.New(apperrors.KindConfig, "compressor knee must be >= 0")
	case c.Attack <= 0 || c.Release <= 0:
		return apperrors.New(apperrors.KindConfig, "compressor attack and release must be positive")
	case math.IsNaN(p.Gain) || p.Gain < MinGain:
		return apperrors.New(apperrors.KindConfig, "gain must be >= 0")
	case p.SilenceThreshold > p.VoiceThreshold:
		return apperrors.New(apperrors.KindConfig, "silence threshold above voice threshold")
	case p.OpenMargin < 0 || p.NoiseFloorMargin < 0:
		return apperrors.New(apperrors.KindConfig, "margins must be >= 0")
	case !(p.NoiseFloorRate > 0) || p.NoiseFloorRate > 1:
		return apperrors.New(apperrors.KindConfig, "noise floor rate must be in (0, 1]")
	case p.SpeechBandLow < 0 || p.SpeechBandHigh <= p.SpeechBandLow:
		return apperrors.New(apperrors.KindConfig, "empty speech band")
	case p.PreSpeechPadding < 0 || p.PostSpeechPadding < 0:
		return apperrors.New(apperrors.KindConfig, "padding must be >= 0")
	}
	return nil
}

func clampGain(g float64) float64 {
	if math.IsNaN(g) {
		return MinGain
	}
	return math.Min(MaxGain, math.Max(MinGain, g))
}
