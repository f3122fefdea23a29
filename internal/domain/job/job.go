package job

import (
	"time"

	"github.com/google/uuid"
)

// Type distinguishes the two kinds of asynchronous work a session produces.
type Type string

const (
	// TypeTranscription turns a stored chunk range into text.
	TypeTranscription Type = "transcription"
	// TypeResponse turns a transcript into the tutor's reply.
	TypeResponse Type = "response"
)

// Status tracks a job through the queue.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// IsTerminal reports whether the job will never be picked up again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Payload carries the work input. Transcription jobs reference a chunk range;
// response jobs carry the transcript text directly.
type Payload struct {
	ChunkFrom        int    `json:"chunk_from"`
	ChunkTo          int    `json:"chunk_to"`
	ContentType      string `json:"content_type,omitempty"`
	Language         string `json:"language,omitempty"`
	Text             string `json:"text,omitempty"`
	TTSEnabled       bool   `json:"tts_enabled"`
	UserID           string `json:"user_id,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
	UtteranceStartMs int64  `json:"utterance_start_ms,omitempty"`
}

// Job is one unit of asynchronous work bound to a session.
type Job struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	Payload     Payload    `json:"payload"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued job for sessionID.
func New(sessionID string, t Type, payload Payload) *Job {
	return &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      t,
		Status:    StatusQueued,
		Payload:   payload,
		QueuedAt:  time.Now().UTC(),
	}
}
