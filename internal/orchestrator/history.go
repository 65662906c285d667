package orchestrator

import (
	"sync"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/chat"
)

// History is the bounded, append-only conversation of one session.
type History struct {
	mu       sync.RWMutex
	messages []chat.Message
	maxSize  int
}

// NewHistory keeps at most maxMessages entries, dropping the oldest.
func NewHistory(maxMessages int) *History {
	if maxMessages <= 0 {
		maxMessages = HistoryMaxTurns
	}
	return &History{messages: make([]chat.Message, 0, maxMessages), maxSize: maxMessages}
}

// Append adds a turn.
func (h *History) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, chat.Message{Role: role, Content: content})
	if len(h.messages) > h.maxSize {
		h.messages = append(h.messages[:0:0], h.messages[len(h.messages)-h.maxSize:]...)
	}
}

// Messages returns a copy in insertion order.
func (h *History) Messages() []chat.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]chat.Message, len(h.messages))
	copy(result, h.messages)
	return result
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
