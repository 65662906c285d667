package conditioner

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum computes windowed magnitude spectra of sample blocks. A block
// shorter than the transform size is zero padded. Not safe for concurrent
// use.
type Spectrum struct {
	size   int
	fft    *fourier.FFT
	window []float64
	power  float64 // mean squared window value
	seq    []float64
	coeffs []complex128
}

// NewSpectrum creates an analyzer for blocks of up to size samples; size
// is rounded up to a power of two.
func NewSpectrum(size int) *Spectrum {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Spectrum{size: n, fft: fourier.NewFFT(n), seq: make([]float64, n)}
}

// Size returns the transform length.
func (s *Spectrum) Size() int { return s.size }

func (s *Spectrum) load(samples []float32) int {
	n := min(len(samples), s.size)
	if len(s.window) != n {
		s.window = make([]float64, n)
		var sum float64
		for i := range s.window {
			w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(max(n-1, 1)))
			s.window[i] = w
			sum += w * w
		}
		s.power = sum / float64(max(n, 1))
	}
	clear(s.seq)
	for i := 0; i < n; i++ {
		s.seq[i] = float64(samples[len(samples)-n+i]) * s.window[i]
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.seq)
	return n
}

// Magnitudes returns |X(k)| for k in [0, size/2].
func (s *Spectrum) Magnitudes(samples []float32) []float64 {
	s.load(samples)
	out := make([]float64, len(s.coeffs))
	for i, c := range s.coeffs {
		out[i] = math.Hypot(real(c), imag(c))
	}
	return out
}

// BandLevel returns the average energy of the [low, high] Hz band of the
// block, in dB relative to full scale. Silence yields -120.
func (s *Spectrum) BandLevel(samples []float32, sampleRate int, low, high float64) float64 {
	n := s.load(samples)
	if n == 0 || s.power == 0 {
		return Floor
	}
	var sum float64
	for i, c := range s.coeffs {
		hz := s.fft.Freq(i) * float64(sampleRate)
		if hz < low || hz > high {
			continue
		}
		sum += real(c)*real(c) + imag(c)*imag(c)
	}
	// one-sided Parseval, compensated for window energy
	energy := 2 * sum / (float64(s.size) * float64(n) * s.power)
	return ToDB(energy)
}

// Floor is the level reported for digital silence.
const Floor = -120.0

// ToDB converts a power ratio to decibels, clamped at Floor.
func ToDB(power float64) float64 {
	if power <= 0 {
		return Floor
	}
	return math.Max(Floor, 10*math.Log10(power))
}

// RMSLevel returns the RMS level of a block in dBFS.
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return Floor
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return ToDB(sum / float64(len(samples)))
}
