package duplex

import (
	"encoding/json"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/chat"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
)

// controlTypes maps realtime control events onto the shared vocabulary.
var controlTypes = map[string]events.Type{
	"input_audio_buffer.speech_started":                     events.SpeechStarted,
	"input_audio_buffer.speech_stopped":                     events.SpeechEnded,
	"conversation.item.input_audio_transcription.delta":     events.TranscriptDelta,
	"conversation.item.input_audio_transcription.completed": events.Transcript,
	"response.audio_transcript.delta":                       events.TranscriptDelta,
	"response.done":                                         events.ResponseComplete,
	"output_audio_buffer.started":                           events.SpeakingStarted,
	"output_audio_buffer.stopped":                           events.SpeakingCompleted,
	"error":                                                 events.Error,
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapEvent translates one control payload. ok is false for events with no
// counterpart; err is set for payloads that cannot be parsed.
func mapEvent(data []byte) (ev events.Event, ok bool, err error) {
	var se serverEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return events.Event{}, false, apperrors.Wrap(err, apperrors.KindProtocol, "malformed control event")
	}
	if se.Type == "" {
		return events.Event{}, false, apperrors.New(apperrors.KindProtocol, "control event without type")
	}
	t, known := controlTypes[se.Type]
	if !known {
		return events.Event{}, false, nil
	}

	if t == events.Error {
		msg := "realtime endpoint error"
		if se.Error != nil && se.Error.Message != "" {
			msg = se.Error.Message
		}
		if se.Error != nil && se.Error.Code != "" {
			msg += " (" + se.Error.Code + ")"
		}
		return events.Event{Type: events.Error, Data: events.ErrorData{Kind: apperrors.KindTurn, Message: msg}}, true, nil
	}

	raw := events.RawData{Event: se.Type, Payload: append([]byte(nil), data...)}
	switch se.Type {
	case "response.audio_transcript.delta", "conversation.item.input_audio_transcription.delta":
		raw.Text = se.Delta
	case "conversation.item.input_audio_transcription.completed":
		raw.Text = se.Transcript
	}
	return events.Event{Type: t, Data: raw}, true, nil
}

// Params is a partial session update. Zero fields are left unchanged.
type Params struct {
	Voice         string         `json:"voice,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

func sessionUpdate(p Params) ([]byte, error) {
	if p == (Params{}) {
		return nil, apperrors.New(apperrors.KindConfig, "empty session update")
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		Session Params `json:"session"`
	}{Type: "session.update", Session: p})
}

// role of transcript deltas, for consumers that render both sides.
func role(eventType string) string {
	if eventType == "response.audio_transcript.delta" {
		return chat.RoleAssistant
	}
	return chat.RoleUser
}
