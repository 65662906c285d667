package conditioner

import "math"

// biquad is a second-order section in transposed direct form II.
// Coefficients are normalized by a0.
type biquad struct {
	spec               FilterSpec
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

func newBiquad(spec FilterSpec, sampleRate float64) *biquad {
	f := &biquad{}
	f.configure(spec, sampleRate)
	return f
}

// configure recomputes coefficients (RBJ audio EQ cookbook). Delay state
// is kept so a live retune does not click.
func (f *biquad) configure(spec FilterSpec, sampleRate float64) {
	f.spec = spec
	freq := math.Min(spec.Freq, 0.45*sampleRate)
	w0 := 2 * math.Pi * freq / sampleRate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * spec.Q)
	a := math.Pow(10, spec.Gain/40)

	var b0, b1, b2, a0, a1, a2 float64
	switch spec.Kind {
	case Highpass:
		b0, b1, b2 = (1+cosw)/2, -(1 + cosw), (1+cosw)/2
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case Lowpass:
		b0, b1, b2 = (1-cosw)/2, 1-cosw, (1-cosw)/2
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case Notch:
		b0, b1, b2 = 1, -2*cosw, 1
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case Peaking:
		b0, b1, b2 = 1+alpha*a, -2*cosw, 1-alpha*a
		a0, a1, a2 = 1+alpha/a, -2*cosw, 1-alpha/a
	default:
		b0, a0 = 1, 1
	}
	f.b0, f.b1, f.b2 = b0/a0, b1/a0, b2/a0
	f.a1, f.a2 = a1/a0, a2/a0
}

func (f *biquad) process(samples []float32) {
	for i, s := range samples {
		x := float64(s)
		y := f.b0*x + f.z1
		f.z1 = f.b1*x - f.a1*y + f.z2
		f.z2 = f.b2*x - f.a2*y
		samples[i] = float32(y)
	}
}

// compressor is a feed-forward soft-knee compressor with an attack/release
// smoothed gain-reduction envelope.
type compressor struct {
	p            CompressorParams
	attackCoeff  float64
	releaseCoeff float64
	envelope     float64 // current gain reduction in dB, <= 0
}

func newCompressor(p CompressorParams, sampleRate float64) *compressor {
	c := &compressor{}
	c.configure(p, sampleRate)
	return c
}

func (c *compressor) configure(p CompressorParams, sampleRate float64) {
	c.p = p
	c.attackCoeff = math.Exp(-1 / (p.Attack.Seconds() * sampleRate))
	c.releaseCoeff = math.Exp(-1 / (p.Release.Seconds() * sampleRate))
}

// curve returns the static output level for an input level, both in dB.
func (c *compressor) curve(level float64) float64 {
	t, k, r := c.p.Threshold, c.p.Knee, c.p.Ratio
	over := level - t
	switch {
	case 2*over < -k:
		return level
	case k > 0 && 2*math.Abs(over) <= k:
		x := over + k/2
		return level + (1/r-1)*x*x/(2*k)
	default:
		return t + over/r
	}
}

func (c *compressor) process(samples []float32) {
	for i, s := range samples {
		level := 20 * math.Log10(math.Abs(float64(s))+1e-9)
		target := c.curve(level) - level
		coeff := c.releaseCoeff
		if target < c.envelope {
			coeff = c.attackCoeff
		}
		c.envelope = coeff*c.envelope + (1-coeff)*target
		samples[i] = float32(float64(s) * math.Pow(10, c.envelope/20))
	}
}
