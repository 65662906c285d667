package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// ErrCapabilityAbsent means the region or subscription has no real-time
// avatar service. It is a stable fact, not a transient failure.
var ErrCapabilityAbsent = errors.New("avatar capability absent")

// RelayToken is a short-lived ICE relay credential set.
type RelayToken struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// AvatarOptions selects the avatar rendered by the remote service.
type AvatarOptions struct {
	Character  string
	Style      string
	Background string
	Voice      string
}

// RelayToken fetches relay credentials for one connection attempt.
func (c *Client) RelayToken(ctx context.Context) (RelayToken, error) {
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.cfg.TTSBaseURL + "/cognitiveservices/avatar/relay/token/v1",
	})
	if err != nil {
		return RelayToken{}, classify(err, apperrors.KindNegotiation, "relay token fetch failed")
	}
	var tok RelayToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return RelayToken{}, apperrors.Wrap(err, apperrors.KindNegotiation, "unreadable relay token")
	}
	if len(tok.URLs) == 0 {
		return RelayToken{}, apperrors.New(apperrors.KindNegotiation, "relay token has no urls")
	}
	return tok, nil
}

// ProbeAvatar reports whether real-time avatar synthesis is available.
// It returns ErrCapabilityAbsent (wrapped) when the service says no.
func (c *Client) ProbeAvatar(ctx context.Context) error {
	body, err := c.do(ctx, request{method: http.MethodGet, url: c.cfg.ProbeURL})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusNotImplemented) {
			return apperrors.Wrap(ErrCapabilityAbsent, apperrors.KindNegotiation, "avatar service not offered")
		}
		return classify(err, apperrors.KindNegotiation, "avatar capability probe failed")
	}
	var caps struct {
		Realtime bool `json:"realtime"`
	}
	if err := json.Unmarshal(body, &caps); err != nil {
		return apperrors.Wrap(err, apperrors.KindNegotiation, "unreadable avatar capabilities")
	}
	if !caps.Realtime {
		return apperrors.Wrap(ErrCapabilityAbsent, apperrors.KindNegotiation, "real-time avatar not offered")
	}
	return nil
}

// ExchangeSDP posts an SDP offer and returns the answer body.
func (c *Client) ExchangeSDP(ctx context.Context, offer string, opts AvatarOptions) (string, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"character":  opts.Character,
		"style":      opts.Style,
		"background": opts.Background,
		"voice":      opts.Voice,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	target := c.cfg.AvatarURL
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         target,
		contentType: "application/sdp",
		body:        []byte(offer),
	})
	if err != nil {
		return "", classify(err, apperrors.KindNegotiation, "signaling exchange failed")
	}
	if len(body) == 0 {
		return "", apperrors.New(apperrors.KindNegotiation, "empty SDP answer")
	}
	return string(body), nil
}
