package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a transition's expected status does not
	// match the session's current status.
	ErrConflict = errors.New("session status conflict")
	// ErrJobActive is returned when a session already has an in-flight job.
	ErrJobActive = errors.New("session already has an active job")
)

// Registry owns all session state. Transition is the single serialization
// point for status changes: it compares the current status against expected
// and swaps atomically, so two racing gateways or workers cannot both win.
type Registry interface {
	// Create stores a new session. Fails if the id is already taken.
	Create(ctx context.Context, s *Session) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns all sessions that are not ended.
	List(ctx context.Context) ([]*Session, error)

	// Transition swaps the session's status from expected to next. Returns
	// ErrConflict when the current status differs from expected.
	Transition(ctx context.Context, id string, expected, next Status) error

	// SetActiveJob records jobID as the session's in-flight job. Returns
	// ErrJobActive if another job is already recorded.
	SetActiveJob(ctx context.Context, id, jobID string) error

	// ReplaceActiveJob swaps the active job from oldJobID to newJobID, used
	// when a transcription hands off to a response job. Returns ErrConflict
	// if the current active job is not oldJobID.
	ReplaceActiveJob(ctx context.Context, id, oldJobID, newJobID string) error

	// ClearActiveJob removes jobID as the active job if it still is; a
	// mismatch is not an error since the job may already be abandoned.
	ClearActiveJob(ctx context.Context, id, jobID string) error

	// SetConversation links the lazily created conversation to the session.
	SetConversation(ctx context.Context, id, conversationID string) error

	// RecordExchange bumps the message count and folds one response latency
	// and utterance duration into the session metrics.
	RecordExchange(ctx context.Context, id string, latencyMs, durationMs int64) error

	// Touch refreshes the last-activity timestamp.
	Touch(ctx context.Context, id string) error
}
