// Package events defines the event vocabulary shared by the discrete
// pipeline and the duplex transport, so the UI layer stays tier-agnostic.
package events

import (
	"time"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Type names an event.
type Type string

const (
	StateChanged      Type = "state-changed"
	TierChanged       Type = "tier-changed"
	AvatarReady       Type = "avatar-ready"
	SpeakingStarted   Type = "speaking-started"
	SpeakingCompleted Type = "speaking-completed"
	SpeechStarted     Type = "speech-started"
	SpeechEnded       Type = "speech-ended"
	VolumeChange      Type = "volume-change"
	NoiseFloorUpdate  Type = "noise-floor-update"
	Transcript        Type = "transcript"
	TranscriptDelta   Type = "transcript-delta"
	TurnStarted       Type = "turn-started"
	TurnCompleted     Type = "turn-completed"
	ReplyDelta        Type = "reply-delta"
	ResponseComplete  Type = "response-complete"
	Metrics           Type = "metrics"
	Error             Type = "error"
)

// Event is a single typed notification.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// ErrorData is the payload of error events.
type ErrorData struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	Fatal   bool           `json:"fatal,omitempty"`
}

// LevelData carries a dB level for volume-change and noise-floor-update.
type LevelData struct {
	Level float64 `json:"level"`
}

// TextData carries transcript, reply and delta text.
type TextData struct {
	Text   string `json:"text"`
	TurnID string `json:"turnId,omitempty"`
	Role   string `json:"role,omitempty"`
}

// TurnData describes a turn lifecycle event.
type TurnData struct {
	TurnID  string `json:"turnId"`
	Text    string `json:"text,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// RawData wraps a control payload that is re-emitted verbatim.
type RawData struct {
	Event   string `json:"event"`
	Text    string `json:"text,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// NewError builds an error event from any error.
func NewError(sessionID string, err error) Event {
	return Event{
		Type:      Error,
		SessionID: sessionID,
		Time:      time.Now(),
		Data: ErrorData{
			Kind:    apperrors.KindOf(err),
			Message: apperrors.Message(err),
			Fatal:   apperrors.IsFatal(err),
		},
	}
}
