package session

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// StreamMetrics is an advisory sample of media health.
type StreamMetrics struct {
	Tier        TierKind  `json:"tier"`
	FPS         float64   `json:"fps"`
	BitrateKbps float64   `json:"bitrateKbps"`
	LatencyMs   float64   `json:"latencyMs"`
	Quality     string    `json:"quality"`
	At          time.Time `json:"at"`
}

// Reporter accumulates media counters between samples.
type Reporter struct {
	mu      sync.Mutex
	frames  int
	bytes   int
	latency time.Duration
	since   time.Time
	latest  StreamMetrics
}

// NewReporter starts a sampling window at now.
func NewReporter(now time.Time) *Reporter {
	return &Reporter{since: now}
}

// ObserveRTP counts payload bytes, and video frames by marker bit.
func (r *Reporter) ObserveRTP(kind MediaKind, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += len(pkt.Payload)
	if kind == MediaVideo && pkt.Marker {
		r.frames++
	}
}

// ObserveLatency records the dispatch to first-output delay of a speak.
func (r *Reporter) ObserveLatency(d time.Duration) {
	r.mu.Lock()
	r.latency = d
	r.mu.Unlock()
}

// Sample closes the window at now and returns its metrics.
func (r *Reporter) Sample(now time.Time, tier TierKind) StreamMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := now.Sub(r.since).Seconds()
	m := StreamMetrics{Tier: tier, At: now, LatencyMs: float64(r.latency) / float64(time.Millisecond)}
	if elapsed > 0 {
		m.FPS = float64(r.frames) / elapsed
		m.BitrateKbps = float64(r.bytes) * 8 / 1000 / elapsed
	}
	m.Quality = quality(tier, m.FPS)
	r.frames, r.bytes, r.since = 0, 0, now
	r.latest = m
	return m
}

// Latest returns the previous sample.
func (r *Reporter) Latest() StreamMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

func quality(tier TierKind, fps float64) string {
	if tier != TierAvatar {
		return "none"
	}
	switch {
	case fps >= 20:
		return "high"
	case fps >= 10:
		return "medium"
	case fps > 0:
		return "low"
	}
	return "none"
}
