package server

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

// handleViewer answers a viewer's SDP offer with a peer connection that
// sends the relayed avatar tracks.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Surface == nil {
		writeError(w, http.StatusNotFound, apperrors.New(apperrors.KindConfig, "no render surface"))
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil || len(offer) == 0 {
		writeError(w, http.StatusBadRequest, apperrors.New(apperrors.KindProtocol, "missing SDP offer"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ViewerTimeout)
	defer cancel()
	answer, err := s.answerViewer(ctx, string(offer))
	if err != nil {
		trace.Logger(ctx).Warn("viewer negotiation failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

func (s *Server) answerViewer(ctx context.Context, offer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNegotiation, "create viewer peer")
	}
	fail := func(err error, msg string) (string, error) {
		_ = pc.Close()
		return "", apperrors.Wrap(err, apperrors.KindNegotiation, msg)
	}
	for _, t := range s.deps.Surface.Tracks() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return fail(err, "add viewer track")
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			slog.Info("viewer left", "state", st.String())
			_ = pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fail(err, "apply viewer offer")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err, "create viewer answer")
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err, "set viewer answer")
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err(), "viewer ICE gathering timed out")
	}
	return pc.LocalDescription().SDP, nil
}

// handlePlaceholder serves the still frame shown while no avatar video
// is available.
func (s *Server) handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Surface == nil || s.deps.Surface.Placeholder() == nil {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.deps.Surface.Placeholder()); err != nil {
		writeError(w, http.StatusInternalServerError, apperrors.Wrap(err, apperrors.KindInternal, "encode placeholder"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}
