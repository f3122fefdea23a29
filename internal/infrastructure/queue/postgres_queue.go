package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tutor-server/services/voice-api/internal/domain/job"
	"tutor-server/services/voice-api/internal/infrastructure/database/entities"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// PostgresQueue implements JobQueue on the jobs table. Workers on any node
// claim jobs with FOR UPDATE SKIP LOCKED so two workers never run the same
// job. Requeued jobs become runnable again once next_attempt_at passes,
// which also covers redelivery after a worker crash.
type PostgresQueue struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed job queue.
func NewPostgresQueue(db *gorm.DB, log zerolog.Logger) *PostgresQueue {
	return &PostgresQueue{
		db:  db,
		log: log.With().Str("component", "postgres-queue").Logger(),
	}
}

// Enqueue adds a queued job.
func (q *PostgresQueue) Enqueue(ctx context.Context, j *job.Job) error {
	entity := jobToEntity(j)
	entity.NextAttemptAt = entity.QueuedAt
	if err := q.db.WithContext(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusQueued)).Inc()
	return nil
}

// Dequeue claims the next runnable job. The select and the status flip to
// active happen in one transaction so the SKIP LOCKED claim holds.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*job.Job, error) {
	var entity entities.Job

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Raw("SELECT * FROM jobs WHERE status = ? AND next_attempt_at <= ? ORDER BY queued_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED",
				string(job.StatusQueued), time.Now().UTC()).
			Scan(&entity).Error
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}
		if entity.ID == "" {
			return nil // No jobs available
		}

		now := time.Now().UTC()
		entity.Status = string(job.StatusActive)
		entity.Attempts++
		entity.StartedAt = &now
		return tx.Model(&entities.Job{}).
			Where("id = ?", entity.ID).
			Updates(map[string]interface{}{
				"status":     entity.Status,
				"attempts":   entity.Attempts,
				"started_at": now,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	if entity.ID == "" {
		return nil, nil
	}
	return jobFromEntity(&entity), nil
}

// Get returns the job by id, or nil when unknown.
func (q *PostgresQueue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var entity entities.Job
	err := q.db.WithContext(ctx).First(&entity, "id = ?", jobID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return jobFromEntity(&entity), nil
}

// Requeue returns an active job to the queue for a later attempt.
func (q *PostgresQueue) Requeue(ctx context.Context, jobID string, delay time.Duration, lastErr error) error {
	now := time.Now().UTC()
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	result := q.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ?", jobID, string(job.StatusActive)).
		Updates(map[string]interface{}{
			"status":          string(job.StatusQueued),
			"error":           msg,
			"next_attempt_at": now.Add(delay),
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("requeue job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotActive
	}
	return nil
}

// MarkCompleted records the result and finishes the job.
func (q *PostgresQueue) MarkCompleted(ctx context.Context, jobID, result string) error {
	return q.finish(ctx, jobID, job.StatusCompleted, result, "")
}

// MarkFailed terminally fails the job.
func (q *PostgresQueue) MarkFailed(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.finish(ctx, jobID, job.StatusFailed, "", msg)
}

// finish only completes jobs still marked active: an abandon racing with a
// completing worker must win, so the guard and the abandon are both
// compare-and-swap updates on the active status.
func (q *PostgresQueue) finish(ctx context.Context, jobID string, status job.Status, result, errMsg string) error {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ?", jobID, string(job.StatusActive)).
		Updates(map[string]interface{}{
			"status":       string(status),
			"result":       result,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark %s: %w", status, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := q.db.WithContext(ctx).Model(&entities.Job{}).
			Where("id = ?", jobID).Count(&count).Error; err != nil {
			return fmt.Errorf("mark %s: %w", status, err)
		}
		if count == 0 {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return ErrNotActive
	}
	return nil
}

// AbandonBySession abandons every non-terminal job of a session. The status
// guard makes the abandon a compare-and-swap like finish: a job whose
// completion lands first keeps its terminal state.
func (q *PostgresQueue) AbandonBySession(ctx context.Context, sessionID string) ([]string, error) {
	now := time.Now().UTC()
	var rows []entities.Job
	res := q.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
		Where("session_id = ? AND status IN ?", sessionID,
			[]string{string(job.StatusQueued), string(job.StatusActive)}).
		Updates(map[string]interface{}{
			"status":       string(job.StatusAbandoned),
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("abandon jobs: %w", res.Error)
	}

	abandoned := make([]string, 0, len(rows))
	for _, r := range rows {
		abandoned = append(abandoned, r.ID)
	}
	for range abandoned {
		metrics.JobsTotal.WithLabelValues("", string(job.StatusAbandoned)).Inc()
	}
	if len(abandoned) > 0 {
		q.log.Info().Str("session_id", sessionID).Strs("job_ids", abandoned).Msg("jobs abandoned")
	}
	return abandoned, nil
}

// Depth returns the number of queued jobs.
func (q *PostgresQueue) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("status = ?", string(job.StatusQueued)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return count, nil
}

func jobToEntity(j *job.Job) *entities.Job {
	return &entities.Job{
		ID:               j.ID,
		SessionID:        j.SessionID,
		Type:             string(j.Type),
		Status:           string(j.Status),
		Attempts:         j.Attempts,
		ChunkFrom:        j.Payload.ChunkFrom,
		ChunkTo:          j.Payload.ChunkTo,
		ContentType:      j.Payload.ContentType,
		Language:         j.Payload.Language,
		Text:             j.Payload.Text,
		TTSEnabled:       j.Payload.TTSEnabled,
		UserID:           j.Payload.UserID,
		ConversationID:   j.Payload.ConversationID,
		UtteranceStartMs: j.Payload.UtteranceStartMs,
		Result:           j.Result,
		Error:            j.Error,
		QueuedAt:         j.QueuedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}

func jobFromEntity(e *entities.Job) *job.Job {
	return &job.Job{
		ID:        e.ID,
		SessionID: e.SessionID,
		Type:      job.Type(e.Type),
		Status:    job.Status(e.Status),
		Attempts:  e.Attempts,
		Payload: job.Payload{
			ChunkFrom:        e.ChunkFrom,
			ChunkTo:          e.ChunkTo,
			ContentType:      e.ContentType,
			Language:         e.Language,
			Text:             e.Text,
			TTSEnabled:       e.TTSEnabled,
			UserID:           e.UserID,
			ConversationID:   e.ConversationID,
			UtteranceStartMs: e.UtteranceStartMs,
		},
		Result:      e.Result,
		Error:       e.Error,
		QueuedAt:    e.QueuedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
}
