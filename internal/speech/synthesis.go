package speech

import (
	"context"
	"net/http"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Synthesize renders an SSML document and returns mono samples.
func (c *Client) Synthesize(ctx context.Context, ssml string) ([]float32, int, error) {
	body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.cfg.TTSBaseURL + "/cognitiveservices/v1",
		contentType: "application/ssml+xml",
		body:        []byte(ssml),
		header:      map[string]string{"X-Microsoft-OutputFormat": c.cfg.OutputFormat},
	})
	if err != nil {
		return nil, 0, classify(err, apperrors.KindSynthesis, "synthesis request failed")
	}
	samples, rate, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.KindSynthesis, "synthesis returned unreadable audio")
	}
	return samples, rate, nil
}
