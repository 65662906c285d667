// Package audio handles host audio capture, playback and PCM conversion.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is a block of mono float32 samples in [-1, 1].
type Frame struct {
	Samples    []float32
	SampleRate int
	Timestamp  time.Time
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// End returns the timestamp just past the last sample.
func (f Frame) End() time.Time { return f.Timestamp.Add(f.Duration()) }

// Clone returns a frame with its own sample buffer.
func (f Frame) Clone() Frame {
	f.Samples = append([]float32(nil), f.Samples...)
	return f
}

// Float32ToBytes converts float32 samples to little-endian bytes.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Float32ToPCM16 converts float samples to signed 16-bit PCM, clipping.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// PCM16ToFloat32 converts signed 16-bit PCM to float samples.
func PCM16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Resample converts samples between rates with linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
