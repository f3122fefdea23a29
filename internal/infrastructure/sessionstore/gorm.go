package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/infrastructure/database/entities"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// GormRegistry is a database-backed session registry. All state changes are
// compare-and-swap updates keyed on the expected value, so concurrent
// gateways and workers on different nodes serialize through the database.
type GormRegistry struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewGormRegistry(db *gorm.DB, log zerolog.Logger) *GormRegistry {
	return &GormRegistry{
		db:  db,
		log: log.With().Str("component", "session-registry").Logger(),
	}
}

func (r *GormRegistry) Create(ctx context.Context, s *session.Session) error {
	entity := toEntity(s)
	err := r.db.WithContext(ctx).Create(entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSessionAlreadyExists
		}
		return err
	}
	metrics.ActiveSessions.Inc()
	return nil
}

func (r *GormRegistry) Get(ctx context.Context, id string) (*session.Session, error) {
	var entity entities.Session
	err := r.db.WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return fromEntity(&entity), nil
}

func (r *GormRegistry) List(ctx context.Context) ([]*session.Session, error) {
	var rows []entities.Session
	err := r.db.WithContext(ctx).
		Where("status <> ?", string(session.StatusEnded)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]*session.Session, 0, len(rows))
	for i := range rows {
		result = append(result, fromEntity(&rows[i]))
	}
	return result, nil
}

// Transition swaps status from expected to next in a single UPDATE. A zero
// rows-affected result means another writer got there first.
func (r *GormRegistry) Transition(ctx context.Context, id string, expected, next session.Status) error {
	if !session.CanTransition(expected, next) {
		return session.ErrConflict
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":           string(next),
		"updated_at":       now,
		"last_activity_at": now,
	}
	if next == session.StatusEnded {
		updates["ended_at"] = now
		updates["active_job_id"] = ""
	}

	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ? AND status = ?", id, string(expected)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	if next == session.StatusEnded {
		metrics.ActiveSessions.Dec()
	}
	r.log.Debug().Str("session_id", id).Str("from", expected.String()).Str("to", next.String()).Msg("session transitioned")
	return nil
}

func (r *GormRegistry) SetActiveJob(ctx context.Context, id, jobID string) error {
	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ? AND active_job_id = ''", id).
		Updates(map[string]any{"active_job_id": jobID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := r.conflictOrNotFound(ctx, id); errors.Is(err, session.ErrNotFound) {
			return err
		}
		return session.ErrJobActive
	}
	return nil
}

func (r *GormRegistry) ReplaceActiveJob(ctx context.Context, id, oldJobID, newJobID string) error {
	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ? AND active_job_id = ?", id, oldJobID).
		Updates(map[string]any{"active_job_id": newJobID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (r *GormRegistry) ClearActiveJob(ctx context.Context, id, jobID string) error {
	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ? AND active_job_id = ?", id, jobID).
		Updates(map[string]any{"active_job_id": "", "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	// A mismatch is fine: the job may already have been abandoned.
	return nil
}

func (r *GormRegistry) SetConversation(ctx context.Context, id, conversationID string) error {
	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"conversation_id": conversationID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *GormRegistry) RecordExchange(ctx context.Context, id string, latencyMs, durationMs int64) error {
	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_count":     gorm.Expr("message_count + 1"),
			"total_duration_ms": gorm.Expr("total_duration_ms + ?", durationMs),
			"avg_latency_ms":    gorm.Expr("(avg_latency_ms * message_count + ?) / (message_count + 1)", latencyMs),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *GormRegistry) Touch(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ?", id).
		Update("last_activity_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *GormRegistry) conflictOrNotFound(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return session.ErrNotFound
	}
	return session.ErrConflict
}

func toEntity(s *session.Session) *entities.Session {
	return &entities.Session{
		ID:              s.ID,
		UserID:          s.UserID,
		ConversationID:  s.ConversationID,
		Status:          string(s.Status),
		ActiveJobID:     s.ActiveJobID,
		Language:        s.Settings.Language,
		STTMode:         s.Settings.STTMode,
		TTSEnabled:      s.Settings.TTSEnabled,
		MessageCount:    s.Metrics.MessageCount,
		TotalDurationMs: s.Metrics.TotalDurationMs,
		AvgLatencyMs:    s.Metrics.AvgLatencyMs,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		LastActivityAt:  s.LastActivityAt,
		EndedAt:         s.EndedAt,
	}
}

func fromEntity(e *entities.Session) *session.Session {
	return &session.Session{
		ID:             e.ID,
		UserID:         e.UserID,
		ConversationID: e.ConversationID,
		Status:         session.Status(e.Status),
		ActiveJobID:    e.ActiveJobID,
		Settings: session.Settings{
			Language:   e.Language,
			STTMode:    e.STTMode,
			TTSEnabled: e.TTSEnabled,
		},
		Metrics: session.Metrics{
			MessageCount:    e.MessageCount,
			TotalDurationMs: e.TotalDurationMs,
			AvgLatencyMs:    e.AvgLatencyMs,
		},
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		LastActivityAt: e.LastActivityAt,
		EndedAt:        e.EndedAt,
	}
}
