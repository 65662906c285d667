package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/speech"
)

const controlLabel = "control"

// AvatarService is the remote side of avatar negotiation.
type AvatarService interface {
	RelayToken(ctx context.Context) (speech.RelayToken, error)
	ProbeAvatar(ctx context.Context) error
	ExchangeSDP(ctx context.Context, offer string, opts speech.AvatarOptions) (string, error)
}

// AvatarConnector negotiates a receive-only peer connection with the
// avatar service.
type AvatarConnector struct {
	Service AvatarService
	API     *webrtc.API // nil uses the pion defaults
}

func (c *AvatarConnector) Connect(ctx context.Context, req ConnectRequest) (Tier, error) {
	var tok speech.RelayToken
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Service.ProbeAvatar(gctx) })
	g.Go(func() (err error) {
		tok, err = c.Service.RelayToken(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, asKind(err, apperrors.KindNegotiation, "avatar preflight failed")
	}

	api := c.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: tok.URLs, Username: tok.Username, Credential: tok.Password}},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNegotiation, "create peer connection")
	}
	t, err := c.negotiate(ctx, pc, req)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return t, nil
}

func (c *AvatarConnector) negotiate(ctx context.Context, pc *webrtc.PeerConnection, req ConnectRequest) (*avatarTier, error) {
	fail := func(err error, msg string) (*avatarTier, error) {
		return nil, asKind(err, apperrors.KindNegotiation, msg)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fail(err, "add "+kind.String()+" transceiver")
		}
	}
	dc, err := pc.CreateDataChannel(controlLabel, nil)
	if err != nil {
		return fail(err, "create control channel")
	}

	t := newAvatarTier(pc, req.Surface, req.Report)
	t.send = dc.SendText
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			t.onControl(msg.Data)
		}
	})
	pc.OnTrack(t.onTrack)
	pc.OnConnectionStateChange(t.onState)

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

	answer, err := c.Service.ExchangeSDP(ctx, pc.LocalDescription().SDP, speech.AvatarOptions{
		Character:  req.Config.Persona,
		Style:      req.Config.Style,
		Background: req.Config.Background,
		Voice:      req.Config.Voice,
	})
	if err != nil {
		return fail(err, "signaling failed")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(err, "apply SDP answer")
	}
	select {
	case <-opened:
	case <-t.lost:
		return fail(errors.New("peer connection failed"), "avatar connection failed")
	case <-ctx.Done():
		return fail(ctx.Err(), "avatar connection timed out")
	}
	slog.Info("avatar peer connected", "persona", req.Config.Persona)
	return t, nil
}

type controlMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	SSML  string `json:"ssml,omitempty"`
	Error string `json:"error,omitempty"`
}

type avatarTier struct {
	pc      *webrtc.PeerConnection
	surface Surface
	report  func(error)
	send    func(string) error

	mu      sync.Mutex
	waiting map[string]chan controlMessage

	lost     chan struct{}
	failed   chan error
	lostOnce sync.Once
	closing  atomic.Bool
	active   atomic.Bool
}

func newAvatarTier(pc *webrtc.PeerConnection, surface Surface, report func(error)) *avatarTier {
	if report == nil {
		report = func(error) {}
	}
	return &avatarTier{
		pc:      pc,
		surface: surface,
		report:  report,
		waiting: make(map[string]chan controlMessage),
		lost:    make(chan struct{}),
		failed:  make(chan error, 1),
	}
}

func (t *avatarTier) Kind() TierKind           { return TierAvatar }
func (t *avatarTier) SupportsExpression() bool { return true }
func (t *avatarTier) Failed() <-chan error     { return t.failed }

func (t *avatarTier) Speak(ctx context.Context, u Utterance) error {
	id := uuid.NewString()
	ch := make(chan controlMessage, 4)
	t.mu.Lock()
	t.waiting[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiting, id)
		t.mu.Unlock()
	}()

	payload, _ := json.Marshal(controlMessage{Type: "speak", ID: id, SSML: u.SSML})
	if err := t.send(string(payload)); err != nil {
		return apperrors.Wrap(err, apperrors.KindSynthesis, "send speak request")
	}
	for {
		select {
		case msg := <-ch:
			switch msg.Type {
			case "speak.started":
				if u.OnStart != nil {
					u.OnStart()
				}
			case "speak.completed":
				return nil
			case "speak.failed":
				return apperrors.Newf(apperrors.KindSynthesis, "avatar synthesis failed: %s", msg.Error)
			}
		case <-t.lost:
			return apperrors.New(apperrors.KindSynthesis, "avatar connection lost during speech")
		case <-ctx.Done():
			stop, _ := json.Marshal(controlMessage{Type: "stop", ID: id})
			_ = t.send(string(stop))
			return apperrors.Wrap(ctx.Err(), apperrors.KindSynthesis, "speech interrupted")
		}
	}
}

func (t *avatarTier) onControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		if err == nil {
			err = errors.New("missing type")
		}
		slog.Warn("malformed avatar control message", "error", err)
		t.report(apperrors.Wrap(err, apperrors.KindProtocol, "malformed avatar control message"))
		return
	}
	t.mu.Lock()
	ch, ok := t.waiting[msg.ID]
	t.mu.Unlock()
	if !ok {
		slog.Debug("avatar control message for unknown utterance", "type", msg.Type, "id", msg.ID)
		return
	}
	select {
	case ch <- msg:
	default:
		slog.Debug("avatar control message dropped", "type", msg.Type, "id", msg.ID)
	}
}

func (t *avatarTier) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = MediaVideo
	}
	slog.Info("avatar track received", "kind", kind, "codec", track.Codec().MimeType)
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) && !t.closing.Load() {
					slog.Debug("avatar track ended", "kind", kind, "error", err)
				}
				return
			}
			t.relay(kind, pkt)
		}
	}()
}

// relay forwards inbound media to the surface once the tier is active.
// Until then the surface belongs to the tier being replaced.
func (t *avatarTier) relay(kind MediaKind, pkt *rtp.Packet) {
	if t.surface == nil || !t.active.Load() {
		return
	}
	if err := t.surface.WriteRTP(kind, pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Debug("relay write failed", "kind", kind, "error", err)
	}
}

// Activate starts relaying media to the surface.
func (t *avatarTier) Activate() { t.active.Store(true) }

func (t *avatarTier) onState(s webrtc.PeerConnectionState) {
	slog.Debug("avatar peer state", "state", s.String())
	if s == webrtc.PeerConnectionStateFailed && !t.closing.Load() {
		t.markLost(apperrors.New(apperrors.KindNegotiation, "avatar peer connection failed"))
	}
}

func (t *avatarTier) markLost(err error) {
	t.lostOnce.Do(func() {
		close(t.lost)
		t.failed <- err
	})
}

func (t *avatarTier) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	if t.pc == nil {
		return nil
	}
	return t.pc.Close()
}
