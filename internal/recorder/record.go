package recorder

import (
	"time"

	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
)

// TrafficRecord is one captured admission request.
type TrafficRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Identity  string            `json:"identity"`           // API key, forwarded address or remote IP
	EventID   string            `json:"event_id,omitempty"` // X-Request-ID when the caller sent one
	Endpoint  string            `json:"endpoint"`           // e.g. "GET /api/users"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event returns the limiter event for the record.
func (r TrafficRecord) Event() limiter.Event {
	return limiter.Event{ID: r.EventID}
}

// DecisionEvent pairs a traffic record with the decision it produced.
// It is streamed to websocket subscribers and printed by replay.
type DecisionEvent struct {
	Record    TrafficRecord     `json:"record"`
	Algorithm limiter.Algorithm `json:"algorithm,omitempty"`
	Decision  limiter.Decision  `json:"decision"`
	Error     string            `json:"error,omitempty"`
	Time      time.Time         `json:"time"`
}
