// Package server exposes the session to a UI over HTTP, a websocket event
// channel and gRPC health.
package server

import "time"

// Server configuration constants
const (
	// Per-connection websocket rate limiting
	MessagesPerSecond = 5  // sustained inbound messages
	MessageBurst      = 10 // short bursts allowed above the rate

	// Outbound event queue per websocket connection; slow clients drop events
	SendQueueSize = 256
	WriteTimeout  = 5 * time.Second

	// Bus subscription buffer for the broadcaster
	BroadcastBuffer = 512

	// Viewer peer negotiation limit
	ViewerTimeout = 10 * time.Second

	// Upper bound on request bodies (SDP offers, control messages)
	MaxBodyBytes = 64 << 10
)
