package eventbus

import (
	"context"
	"encoding/json"
)

// Event is one server-to-client message routed through the bus. The topic is
// the session id, so whichever gateway instance holds the client's live
// connection receives the event regardless of which worker produced it.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler receives events for a subscribed session.
type Handler func(ctx context.Context, ev Event)

// Bus fans session events out to subscribed gateways.
type Bus interface {
	// Publish sends an event to every subscriber of ev.SessionID.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a handler for a session's events and returns an
	// unsubscribe function. Unsubscribing is idempotent.
	Subscribe(ctx context.Context, sessionID string, h Handler) (func(), error)

	// Health verifies the bus backend is reachable.
	Health(ctx context.Context) error
}
