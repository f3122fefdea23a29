package sessionstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// ErrSessionAlreadyExists is returned when creating a session with a taken id.
var ErrSessionAlreadyExists = errors.New("session already exists")

// MemoryRegistry is a mutex-based in-memory session registry. It backs
// single-node deployments and tests; multi-gateway deployments use the
// database-backed registry instead.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	log      zerolog.Logger
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(log zerolog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*session.Session),
		log:      log.With().Str("component", "session-registry").Logger(),
	}
}

func (r *MemoryRegistry) Create(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionAlreadyExists
	}
	cp := *s
	r.sessions[s.ID] = &cp
	metrics.ActiveSessions.Inc()
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Status == session.StatusEnded {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}

func (r *MemoryRegistry) Transition(ctx context.Context, id string, expected, next session.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status != expected {
		return session.ErrConflict
	}
	if !session.CanTransition(expected, next) {
		return session.ErrConflict
	}

	now := time.Now().UTC()
	s.Status = next
	s.UpdatedAt = now
	s.LastActivityAt = now
	if next == session.StatusEnded {
		s.EndedAt = &now
		s.ActiveJobID = ""
		metrics.ActiveSessions.Dec()
	}
	r.log.Debug().Str("session_id", id).Str("from", expected.String()).Str("to", next.String()).Msg("session transitioned")
	return nil
}

func (r *MemoryRegistry) SetActiveJob(ctx context.Context, id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.ActiveJobID != "" {
		return session.ErrJobActive
	}
	s.ActiveJobID = jobID
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) ReplaceActiveJob(ctx context.Context, id, oldJobID, newJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.ActiveJobID != oldJobID {
		return session.ErrConflict
	}
	s.ActiveJobID = newJobID
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) ClearActiveJob(ctx context.Context, id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.ActiveJobID == jobID {
		s.ActiveJobID = ""
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MemoryRegistry) SetConversation(ctx context.Context, id, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	s.ConversationID = conversationID
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) RecordExchange(ctx context.Context, id string, latencyMs, durationMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	prev := int64(s.Metrics.MessageCount)
	s.Metrics.MessageCount++
	s.Metrics.TotalDurationMs += durationMs
	s.Metrics.AvgLatencyMs = (s.Metrics.AvgLatencyMs*prev + latencyMs) / int64(s.Metrics.MessageCount)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}
