// Package metrics exports session, turn and stream health as Prometheus
// collectors fed from the event bus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/session"
)

const defaultNamespace = "companion"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	BackendLatency    prometheus.Histogram
	SpeakingDuration  *prometheus.HistogramVec
	StateChangesTotal *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	Tier              prometheus.Gauge
	StreamFPS         prometheus.Gauge
	StreamBitrate     prometheus.Gauge
	StreamLatency     prometheus.Gauge

	mu          sync.Mutex
	turnStarted map[string]time.Time
	speakStart  time.Time
	speakTier   string
	now         func() time.Time
}

// New creates the collectors and registers them.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed conversational turns by outcome",
		},
		[]string{"outcome"},
	)

	backendLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Time from turn start to complete backend reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	speakingDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speaking_duration_seconds",
			Help:      "Duration of rendered utterances",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 60},
		},
		[]string{"tier"},
	)

	stateChanges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Session state transitions by target state",
		},
		[]string{"state"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Published errors by kind",
		},
		[]string{"kind"},
	)

	tier := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_tier",
		Help:      "Active tier: 0 none, 1 local, 2 networked speech, 3 avatar",
	})
	fps := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_fps",
		Help:      "Avatar video frames per second",
	})
	bitrate := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_bitrate_kbps",
		Help:      "Inbound media bitrate",
	})
	latency := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_latency_ms",
		Help:      "Speak request to first audio latency",
	})

	registry.MustRegister(
		turnsTotal,
		backendLatency,
		speakingDuration,
		stateChanges,
		errorsTotal,
		tier,
		fps,
		bitrate,
		latency,
	)

	return &Metrics{
		registry:          registry,
		TurnsTotal:        turnsTotal,
		BackendLatency:    backendLatency,
		SpeakingDuration:  speakingDuration,
		StateChangesTotal: stateChanges,
		ErrorsTotal:       errorsTotal,
		Tier:              tier,
		StreamFPS:         fps,
		StreamBitrate:     bitrate,
		StreamLatency:     latency,
		turnStarted:       make(map[string]time.Time),
		now:               time.Now,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe feeds the collectors from bus events until the returned
// function is called.
func (m *Metrics) Observe(bus *events.Bus) func() {
	return bus.SubscribeAll(m.record)
}

func (m *Metrics) record(ev events.Event) {
	switch d := ev.Data.(type) {
	case session.StateData:
		if ev.Type == events.StateChanged {
			m.StateChangesTotal.WithLabelValues(d.To.State.String()).Inc()
			m.Tier.Set(float64(d.To.Tier))
		}
	case session.StreamMetrics:
		m.StreamFPS.Set(d.FPS)
		m.StreamBitrate.Set(d.BitrateKbps)
		m.StreamLatency.Set(d.LatencyMs)
	case session.SpeakData:
		m.recordSpeaking(ev, d)
	case events.TurnData:
		m.recordTurn(ev, d)
	case events.TextData:
		if ev.Type == events.ResponseComplete && d.TurnID != "" {
			m.mu.Lock()
			started, ok := m.turnStarted[d.TurnID]
			m.mu.Unlock()
			if ok {
				m.BackendLatency.Observe(m.stamp(ev).Sub(started).Seconds())
			}
		}
	case events.ErrorData:
		m.ErrorsTotal.WithLabelValues(d.Kind.String()).Inc()
	}
}

func (m *Metrics) recordTurn(ev events.Event, d events.TurnData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case events.TurnStarted:
		m.turnStarted[d.TurnID] = m.stamp(ev)
	case events.TurnCompleted:
		delete(m.turnStarted, d.TurnID)
		m.TurnsTotal.WithLabelValues(d.Outcome).Inc()
	}
}

func (m *Metrics) recordSpeaking(ev events.Event, d session.SpeakData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case events.SpeakingStarted:
		m.speakStart, m.speakTier = m.stamp(ev), d.Tier.String()
	case events.SpeakingCompleted:
		if !m.speakStart.IsZero() {
			m.SpeakingDuration.WithLabelValues(m.speakTier).Observe(m.stamp(ev).Sub(m.speakStart).Seconds())
			m.speakStart = time.Time{}
		}
	}
}

func (m *Metrics) stamp(ev events.Event) time.Time {
	if ev.Time.IsZero() {
		return m.now()
	}
	return ev.Time
}
