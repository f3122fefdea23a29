package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a voice session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusSpeaking   Status = "speaking"
	StatusEnded      Status = "ended"
)

// ValidTransitions maps each status to the statuses it may move to. Every
// status change goes through Registry.Transition, which consults this table.
var ValidTransitions = map[Status][]Status{
	StatusIdle:       {StatusRecording, StatusProcessing, StatusEnded},
	StatusRecording:  {StatusProcessing, StatusIdle, StatusEnded},
	StatusProcessing: {StatusSpeaking, StatusIdle, StatusEnded},
	StatusSpeaking:   {StatusIdle, StatusEnded},
	StatusEnded:      {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a session in this status can never change again.
func (s Status) IsTerminal() bool { return s == StatusEnded }

func (s Status) String() string { return string(s) }

// Settings are the per-session tutoring preferences chosen at join time.
type Settings struct {
	Language   string `json:"language"`
	STTMode    string `json:"stt_mode"`
	TTSEnabled bool   `json:"tts_enabled"`
}

// Metrics accumulate over the life of a session and are reported in the
// ended event.
type Metrics struct {
	MessageCount    int   `json:"message_count"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	AvgLatencyMs    int64 `json:"avg_latency_ms"`
}

// Session is one continuous voice interaction between a learner and the
// tutor. The conversation id is assigned lazily on the first exchange.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Status         Status     `json:"status"`
	ActiveJobID    string     `json:"active_job_id,omitempty"`
	Settings       Settings   `json:"settings"`
	Metrics        Metrics    `json:"metrics"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// New creates an idle session for userID. When id is empty a fresh one is
// generated.
func New(id, userID string, settings Settings) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if settings.Language == "" {
		settings.Language = "en"
	}
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		UserID:         userID,
		Status:         StatusIdle,
		Settings:       settings,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// Duration is the wall-clock length of the session so far, or until it ended.
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}
