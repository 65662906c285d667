// Package chat talks to the reasoning backend: an ordered list of role
// tagged turns goes in, an incrementally streamed reply comes out.
package chat

import "context"

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one backend call.
type Request struct {
	ThreadID string
	Messages []Message
}

// Backend streams a reply. onDelta receives fragments in order; the
// returned string is their concatenation.
type Backend interface {
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}
