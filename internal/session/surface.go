package session

import (
	"errors"
	"image"
	"log/slog"
	"sync"

	"github.com/corona10/goimagehash"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// ErrSurfaceBusy is returned when another session owns the surface.
var ErrSurfaceBusy = errors.New("render surface already bound")

// MediaKind names an inbound media stream.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Surface is the render target of a session. Only one owner may hold it.
type Surface interface {
	Bind(owner string) error
	Unbind(owner string)
	WriteRTP(kind MediaKind, pkt *rtp.Packet) error
	ShowPlaceholder(img image.Image) error
	Clear()
}

// RelaySurface forwards avatar media to local tracks that viewers attach
// to, and keeps the latest placeholder frame for tiers without video.
type RelaySurface struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	mu          sync.Mutex
	owner       string
	placeholder image.Image
	hash        *goimagehash.ImageHash
	redraws     int
}

// NewRelaySurface creates the outbound tracks.
func NewRelaySurface() (*RelaySurface, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "avatar")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "create audio relay track")
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, "video", "avatar")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "create video relay track")
	}
	return &RelaySurface{audio: audio, video: video}, nil
}

// Tracks returns the tracks a viewer peer connection should send.
func (s *RelaySurface) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *RelaySurface) Bind(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		return apperrors.Wrap(ErrSurfaceBusy, apperrors.KindConfig, "surface owned by session "+s.owner)
	}
	s.owner = owner
	return nil
}

func (s *RelaySurface) Unbind(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
}

// Owner returns the bound session id, empty when free.
func (s *RelaySurface) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *RelaySurface) WriteRTP(kind MediaKind, pkt *rtp.Packet) error {
	track := s.audio
	if kind == MediaVideo {
		track = s.video
	}
	return track.WriteRTP(pkt)
}

// ShowPlaceholder stores img as the current frame. Perceptually identical
// frames are not redrawn.
func (s *RelaySurface) ShowPlaceholder(img image.Image) error {
	hash, err := goimagehash.AverageHash(img)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "hash placeholder")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hash != nil && s.placeholder != nil {
		if d, err := s.hash.Distance(hash); err == nil && d == 0 {
			slog.Debug("placeholder unchanged, skipping redraw")
			return nil
		}
	}
	s.placeholder, s.hash = img, hash
	s.redraws++
	return nil
}

// Placeholder returns the current placeholder frame, if any.
func (s *RelaySurface) Placeholder() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholder
}

// Redraws counts placeholder frames actually drawn.
func (s *RelaySurface) Redraws() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redraws
}

func (s *RelaySurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeholder, s.hash = nil, nil
}

// meteredSurface counts media on its way to the real surface.
type meteredSurface struct {
	Surface
	reporter *Reporter
}

func (s meteredSurface) WriteRTP(kind MediaKind, pkt *rtp.Packet) error {
	s.reporter.ObserveRTP(kind, pkt)
	return s.Surface.WriteRTP(kind, pkt)
}
