// Package sse implements the Server-Sent Events wire format: a Reader that
// decodes frames from a stream and helpers that encode frames for servers.
package sse

import "time"

// Event is one dispatched SSE frame.
type Event struct {
	// ID is the last event ID in effect when the frame was dispatched.
	ID string
	// Type is the "event" field; empty means the default "message" type.
	Type string
	// Data is the payload; multiple data lines are joined with "\n".
	Data string
	// Retry is the most recent reconnection time advertised by the server,
	// zero if none was sent.
	Retry time.Duration
}

// HasPayload reports whether the frame carries data.
func (e Event) HasPayload() bool {
	return e.Data != ""
}
