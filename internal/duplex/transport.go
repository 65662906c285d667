package duplex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

const (
	eventsLabel   = "oai-events"
	opusRate      = 48000
	opusFrame     = 20 * time.Millisecond
	opusFrameSize = opusRate / 1000 * 20
	maxPacket     = 4000
)

// SessionHandle is a created realtime session. Connect attaches media to it;
// Disconnect tears it down and may be called any number of times.
type SessionHandle struct {
	ID           string
	ClientSecret string
	ExpiresAt    time.Time

	cfg Config
	bus *events.Bus

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// ConnectOptions supplies the local media ends of the duplex path.
type ConnectOptions struct {
	Sink audio.SinkOpener // remote audio output; nil discards it
	Mute func() bool      // true sends silence in place of captured audio
	API  *webrtc.API      // nil builds one with Opus and default interceptors
}

// NewAPI builds a pion API with the default codecs and interceptors.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg)), nil
}

// Connect negotiates the full-duplex peer connection. Captured frames are
// encoded to Opus and sent upstream; the remote track is decoded into the
// sink; control events are re-published on the bus.
func (h *SessionHandle) Connect(ctx context.Context, frames <-chan audio.Frame, opts ConnectOptions) error {
	h.mu.Lock()
	if h.closed || h.pc != nil {
		h.mu.Unlock()
		return apperrors.New(apperrors.KindConfig, "realtime session already connected or closed")
	}
	h.mu.Unlock()

	ctx, span := trace.StartSpan(ctx, "duplex.connect")
	defer span.End()

	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(); err != nil {
			return apperrors.Wrap(err, apperrors.KindNegotiation, "configure media engine")
		}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindNegotiation, "create peer connection")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if err := h.negotiate(ctx, runCtx, pc, frames, opts); err != nil {
		cancel()
		_ = pc.Close()
		h.wg.Wait()
		trace.Fail(span, err)
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		cancel()
		_ = pc.Close()
		return apperrors.New(apperrors.KindConfig, "realtime session closed during connect")
	}
	h.pc, h.cancel = pc, cancel
	trace.Logger(ctx).Info("realtime peer connected", "session", h.ID)
	return nil
}

func (h *SessionHandle) negotiate(ctx, runCtx context.Context, pc *webrtc.PeerConnection, frames <-chan audio.Frame, opts ConnectOptions) error {
	fail := func(err error, msg string) error {
		if _, ok := apperrors.From(err); ok {
			return err
		}
		return apperrors.Wrap(err, apperrors.KindNegotiation, msg)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 2},
		"audio", "companion")
	if err != nil {
		return fail(err, "create local track")
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fail(err, "add local track")
	}
	dc, err := pc.CreateDataChannel(eventsLabel, nil)
	if err != nil {
		return fail(err, "create events channel")
	}

	var openOnce sync.Once
	opened := make(chan struct{})
	lost := make(chan struct{})
	var lostOnce sync.Once
	dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { h.onControl(msg.Data) })
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.playRemote(runCtx, remote, opts.Sink)
		}()
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s != webrtc.PeerConnectionStateFailed {
			return
		}
		lostOnce.Do(func() { close(lost) })
		if runCtx.Err() == nil {
			h.publishError(apperrors.New(apperrors.KindNegotiation, "realtime connection lost"))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(err, "create offer")
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(err, "set local description")
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err(), "ICE gathering timed out")
	}

	endpoint := h.cfg.BaseURL + "/realtime?model=" + url.QueryEscape(h.cfg.Model)
	answer, err := post(ctx, h.cfg.HTTPClient, endpoint, "application/sdp", h.ClientSecret, []byte(pc.LocalDescription().SDP))
	if err != nil {
		return fail(err, "SDP exchange failed")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(answer)}); err != nil {
		return fail(err, "apply SDP answer")
	}
	select {
	case <-opened:
	case <-lost:
		return apperrors.New(apperrors.KindNegotiation, "realtime connection failed")
	case <-ctx.Done():
		return fail(ctx.Err(), "realtime connection timed out")
	}

	h.mu.Lock()
	h.dc = dc
	h.mu.Unlock()

	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindAudio, "create opus encoder")
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		drainRTCP(sender)
	}()
	go func() {
		defer h.wg.Done()
		h.sendLoop(runCtx, frames, track, enc, opts.Mute)
	}()
	return nil
}

// sendLoop encodes captured audio into 20ms Opus samples.
func (h *SessionHandle) sendLoop(ctx context.Context, frames <-chan audio.Frame, track *webrtc.TrackLocalStaticSample, enc *opus.Encoder, mute func() bool) {
	var fr framer
	packet := make([]byte, maxPacket)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			samples := audio.Resample(f.Samples, f.SampleRate, opusRate)
			if mute != nil && mute() {
				samples = make([]float32, len(samples))
			}
			for _, chunk := range fr.push(samples) {
				n, err := enc.EncodeFloat32(chunk, packet)
				if err != nil {
					h.publishError(apperrors.Wrap(err, apperrors.KindAudio, "opus encode failed"))
					continue
				}
				if err := track.WriteSample(media.Sample{Data: append([]byte(nil), packet[:n]...), Duration: opusFrame}); err != nil {
					if errors.Is(err, io.ErrClosedPipe) {
						return
					}
					slog.Debug("write realtime sample failed", "error", err)
				}
			}
		}
	}
}

// playRemote decodes the remote Opus track into the sink.
func (h *SessionHandle) playRemote(ctx context.Context, remote *webrtc.TrackRemote, opener audio.SinkOpener) {
	dec, err := opus.NewDecoder(opusRate, 1)
	if err != nil {
		h.publishError(apperrors.Wrap(err, apperrors.KindAudio, "create opus decoder"))
		return
	}
	var sink audio.Sink
	if opener != nil {
		if sink, err = opener.OpenSink(opusRate); err != nil {
			h.publishError(apperrors.Wrap(err, apperrors.KindAudio, "open output stream"))
			sink = nil
		}
	}
	if sink != nil {
		defer sink.Close()
	}

	pcm := make([]float32, opusRate/1000*120)
	for ctx.Err() == nil {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 || sink == nil {
			continue
		}
		n, err := dec.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			slog.Debug("opus decode failed", "error", err)
			continue
		}
		if err := sink.Write(pcm[:n]); err != nil {
			slog.Debug("realtime playback write failed", "error", err)
		}
	}
}

func (h *SessionHandle) onControl(data []byte) {
	ev, ok, err := mapEvent(data)
	if err != nil {
		h.publishError(err)
		return
	}
	if !ok || h.bus == nil {
		return
	}
	if raw, isRaw := ev.Data.(events.RawData); isRaw && ev.Type == events.TranscriptDelta {
		h.bus.Emit(ev.Type, events.TextData{Text: raw.Text, Role: role(raw.Event)})
		return
	}
	h.bus.Emit(ev.Type, ev.Data)
}

func (h *SessionHandle) publishError(err error) {
	if h.bus != nil {
		h.bus.Error(err)
	}
}

// UpdateSessionParams sends a partial session.update over the events
// channel.
func (h *SessionHandle) UpdateSessionParams(ctx context.Context, p Params) error {
	msg, err := sessionUpdate(p)
	if err != nil {
		return err
	}
	h.mu.Lock()
	dc := h.dc
	h.mu.Unlock()
	if dc == nil {
		return apperrors.New(apperrors.KindConfig, "realtime session is not connected")
	}
	if err := dc.SendText(string(msg)); err != nil {
		return apperrors.Wrap(err, apperrors.KindProtocol, "send session update")
	}
	trace.Logger(ctx).Debug("realtime session updated", "session", h.ID)
	return nil
}

// Connected reports whether media is attached.
func (h *SessionHandle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pc != nil && !h.closed
}

// Disconnect closes the peer connection and waits for the media loops.
func (h *SessionHandle) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	pc, cancel := h.pc, h.cancel
	h.pc, h.dc = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			slog.Warn("close realtime peer", "error", err)
		}
	}
	h.wg.Wait()
	slog.Info("realtime session closed", "session", h.ID)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// framer slices an arbitrary sample stream into fixed Opus frames.
type framer struct {
	buf []float32
}

func (f *framer) push(samples []float32) [][]float32 {
	f.buf = append(f.buf, samples...)
	var out [][]float32
	for len(f.buf) >= opusFrameSize {
		chunk := make([]float32, opusFrameSize)
		copy(chunk, f.buf)
		out = append(out, chunk)
		f.buf = f.buf[opusFrameSize:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return out
}
