package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/audio"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

type recognitionResult struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

// Transcribe recognizes a short utterance. NoMatch and silence return an
// empty string without error.
func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	q := url.Values{"language": {c.cfg.Language}, "format": {"simple"}}
	body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.cfg.STTBaseURL + "/speech/recognition/conversation/cognitiveservices/v1?" + q.Encode(),
		contentType: fmt.Sprintf("audio/wav; codecs=audio/pcm; samplerate=%d", sampleRate),
		body:        audio.EncodeWAV(samples, sampleRate),
	})
	if err != nil {
		return "", classify(err, apperrors.KindTurn, "recognition request failed")
	}

	var res recognitionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindProtocol, "unreadable recognition result")
	}
	switch res.RecognitionStatus {
	case "Success":
		return res.DisplayText, nil
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		return "", nil
	default:
		return "", apperrors.Newf(apperrors.KindTurn, "recognition status %s", res.RecognitionStatus)
	}
}
