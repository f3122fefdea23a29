package eventbus

import (
	"context"
	"encoding/json"
)

// Server-to-client event types. Gateways and workers both publish these;
// the gateway holding the client connection relays them onto the websocket.
const (
	TypeJoined           = "joined"
	TypeRecordingStarted = "recording-started"
	TypeRecordingStopped = "recording-stopped"
	TypeProcessing       = "processing"
	TypeTranscribed      = "transcribed"
	TypeResponse         = "response"
	TypeReady            = "ready"
	TypeUseBrowserSTT    = "use-browser-stt"
	TypeEnded            = "ended"
	TypeError            = "error"
)

// ProcessingPayload reports which stage the pipeline is in.
type ProcessingPayload struct {
	Status string `json:"status"`
}

// TranscribedPayload carries the recognized text.
type TranscribedPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// ResponsePayload carries the tutor's reply.
type ResponsePayload struct {
	Text        string `json:"text"`
	MessageID   string `json:"message_id"`
	ShouldSpeak bool   `json:"should_speak"`
}

// UseBrowserSTTPayload signals speech-to-text degradation to the client.
type UseBrowserSTTPayload struct {
	Message string `json:"message"`
}

// EndedPayload reports the final session metrics.
type EndedPayload struct {
	DurationMs      int64 `json:"duration_ms"`
	MessageCount    int   `json:"message_count"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	AvgLatencyMs    int64 `json:"avg_latency_ms"`
}

// ErrorPayload carries a client-facing error message.
type ErrorPayload struct {
	Error string `json:"error"`
}

// PublishJSON marshals payload and publishes it as an event of the given
// type on the session's topic.
func PublishJSON(ctx context.Context, bus Bus, eventType, sessionID, jobID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	return bus.Publish(ctx, Event{
		Type:      eventType,
		SessionID: sessionID,
		JobID:     jobID,
		Payload:   raw,
	})
}
