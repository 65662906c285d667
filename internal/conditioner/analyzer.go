package conditioner

import "sync"

// DefaultAnalyzerSize is the analyzer window in samples.
const DefaultAnalyzerSize = 1024

// Analyzer keeps the most recent window of a tapped signal for metering.
type Analyzer struct {
	mu         sync.Mutex
	buf        []float32
	pos        int
	filled     bool
	last       float64
	sampleRate int
	spectrum   *Spectrum
}

func newAnalyzer(size int) *Analyzer {
	s := NewSpectrum(size)
	return &Analyzer{buf: make([]float32, s.Size()), spectrum: s, last: Floor}
}

func (a *Analyzer) feed(samples []float32, sampleRate int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sampleRate = sampleRate
	a.last = RMSLevel(samples)
	for _, s := range samples {
		a.buf[a.pos] = s
		a.pos++
		if a.pos == len(a.buf) {
			a.pos, a.filled = 0, true
		}
	}
}

func (a *Analyzer) window() []float32 {
	if !a.filled {
		return append([]float32(nil), a.buf[:a.pos]...)
	}
	out := make([]float32, 0, len(a.buf))
	out = append(out, a.buf[a.pos:]...)
	return append(out, a.buf[:a.pos]...)
}

// Level returns the RMS level of the last block in dBFS.
func (a *Analyzer) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Spectrum returns magnitude bins of the current window.
func (a *Analyzer) Spectrum() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spectrum.Magnitudes(a.window())
}

// BandLevel returns the band energy of the current window in dB.
func (a *Analyzer) BandLevel(low, high float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spectrum.BandLevel(a.window(), a.sampleRate, low, high)
}
