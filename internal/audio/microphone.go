package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// loopbackKeywords identify virtual devices that carry system output.
// Capturing them would let the assistant hear itself.
var loopbackKeywords = []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"}

// MicrophoneConfig configures the capture stream.
type MicrophoneConfig struct {
	SampleRate       int
	FramesPerBuffer  int
	Buffer           int
	PreferredDevices []string
	ExcludedDevices  []string
}

// Microphone captures a single mono input device with backpressure.
type Microphone struct {
	cfg     MicrophoneConfig
	out     chan Frame
	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMicrophone initializes the host audio runtime. There is no degraded
// mode: if the runtime is unavailable construction fails.
func NewMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		return nil, apperrors.Newf(apperrors.KindAudio, "invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = cfg.SampleRate / 50
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindAudio, "audio runtime unavailable")
	}
	return &Microphone{cfg: cfg, out: make(chan Frame, cfg.Buffer)}, nil
}

// Frames returns the captured frame channel. It closes after Stop.
func (m *Microphone) Frames() <-chan Frame { return m.out }

// Start opens the best input device and begins streaming frames.
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	dev, err := m.selectDevice()
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(m.cfg.SampleRate),
		FramesPerBuffer: m.cfg.FramesPerBuffer,
	}
	buf := make([]float32, m.cfg.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindAudio, "open input %q", dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return apperrors.Wrapf(err, apperrors.KindAudio, "start input %q", dev.Name)
	}

	capCtx, cancel := context.WithCancel(ctx)
	m.stream, m.cancel, m.running = stream, cancel, true
	m.done = make(chan struct{})
	slog.Info("started audio capture", "device", dev.Name, "sample_rate", m.cfg.SampleRate)

	go m.readLoop(capCtx, stream, buf, dev.Name, m.done)
	return nil
}

func (m *Microphone) readLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, device string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			slog.Debug("audio read error", "device", device, "error", err)
			return
		}

		frame := Frame{
			Samples:    append([]float32(nil), buf...),
			SampleRate: m.cfg.SampleRate,
			Timestamp:  time.Now(),
		}
		select {
		case m.out <- frame:
		default:
			slog.Debug("audio buffer full, dropping frame", "device", device)
		}
	}
}

func (m *Microphone) selectDevice() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindAudio, "list audio devices")
	}
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || !m.usable(dev.Name) {
			continue
		}
		if best == nil || m.prefer(dev.Name, best.Name) {
			best = dev
		}
	}
	if best != nil {
		return best, nil
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindAudio, "no input device")
	}
	return dev, nil
}

func (m *Microphone) usable(name string) bool {
	return !containsAny(name, m.cfg.ExcludedDevices) && !containsAny(name, loopbackKeywords)
}

// prefer reports whether name ranks above current in PreferredDevices.
func (m *Microphone) prefer(name, current string) bool {
	return rank(name, m.cfg.PreferredDevices) < rank(current, m.cfg.PreferredDevices)
}

func rank(name string, preferred []string) int {
	for i, p := range preferred {
		if containsFold(name, p) {
			return i
		}
	}
	return len(preferred)
}

// Stop closes the stream, terminates the runtime and closes Frames.
func (m *Microphone) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	_ = m.stream.Abort()
	<-m.done
	_ = m.stream.Close()
	_ = portaudio.Terminate()
	m.running = false
	close(m.out)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
