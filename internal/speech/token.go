package speech

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Load probes that the synthesis capability is reachable by listing the
// region's voices. A 401/403 is a credential error; any other failure is a
// bootstrap error.
func (c *Client) Load(ctx context.Context) error {
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.cfg.TTSBaseURL + "/cognitiveservices/voices/list",
	})
	if err != nil {
		if rejected := credentialError(err); rejected != nil {
			return rejected
		}
		if ctx.Err() != nil {
			return apperrors.Wrap(ctx.Err(), apperrors.KindBootstrap, "speech bootstrap timed out")
		}
		return classify(err, apperrors.KindBootstrap, "speech bootstrap failed")
	}
	slog.Debug("speech service reachable", "region", c.cfg.Region)
	return nil
}

// Validate checks the subscription key against the token endpoint.
// 401/403 is a credential error; anything else is a bootstrap error.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.do(ctx, request{method: http.MethodPost, url: c.cfg.TokenURL})
	if err == nil {
		return nil
	}
	if rejected := credentialError(err); rejected != nil {
		return rejected
	}
	if ctx.Err() != nil {
		return apperrors.Wrap(ctx.Err(), apperrors.KindBootstrap, "credential validation timed out")
	}
	return classify(err, apperrors.KindBootstrap, "credential validation failed")
}

// credentialError returns a credential error when err is an auth-class
// rejection, nil otherwise.
func credentialError(err error) error {
	var se *StatusError
	if !errors.As(err, &se) || !se.IsAuth() {
		return nil
	}
	return apperrors.Wrap(err, apperrors.KindCredential, "speech credentials rejected").
		WithMetadata("status", http.StatusText(se.Code))
}
