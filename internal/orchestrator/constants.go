// Package orchestrator serializes conversational turns: utterances from the
// voice gate are queued, sent to the reasoning backend one at a time and
// spoken through the media session before the gate is re-armed.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Conversation history bound, in messages
	HistoryMaxTurns = 20

	// Backend call budget for one turn
	BackendTimeout = 30 * time.Second

	// Transcription budget for one speech segment
	TranscribeTimeout = 15 * time.Second

	// Segments shorter than this are not transcribed
	MinSegmentDuration = 300 * time.Millisecond

	// Speech-ended events buffered between the gate and the listener
	SegmentEventBuffer = 16
)

// Turn outcomes reported on turn-completed.
const (
	OutcomeSpoken      = "spoken"
	OutcomeSpeakFailed = "speak-failed"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)
