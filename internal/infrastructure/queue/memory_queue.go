package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/job"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// MemoryQueue is a mutex-based in-memory job queue for single-node
// deployments and tests. It mirrors the PostgreSQL queue's semantics,
// including delayed redelivery via the next-attempt timestamp.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]*job.Job
	nextAttempt map[string]time.Time
	log         zerolog.Logger
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(log zerolog.Logger) *MemoryQueue {
	return &MemoryQueue{
		jobs:        make(map[string]*job.Job),
		nextAttempt: make(map[string]time.Time),
		log:         log.With().Str("component", "memory-queue").Logger(),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, j *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[j.ID]; exists {
		return fmt.Errorf("job already enqueued: %s", j.ID)
	}
	cp := *j
	q.jobs[j.ID] = &cp
	q.nextAttempt[j.ID] = cp.QueuedAt
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusQueued)).Inc()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var runnable []*job.Job
	for id, j := range q.jobs {
		if j.Status == job.StatusQueued && !q.nextAttempt[id].After(now) {
			runnable = append(runnable, j)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	sort.Slice(runnable, func(i, k int) bool {
		return runnable[i].QueuedAt.Before(runnable[k].QueuedAt)
	})

	j := runnable[0]
	j.Status = job.StatusActive
	j.Attempts++
	started := now
	j.StartedAt = &started
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, jobID string, delay time.Duration, lastErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if j.Status != job.StatusActive {
		return ErrNotActive
	}
	j.Status = job.StatusQueued
	if lastErr != nil {
		j.Error = lastErr.Error()
	}
	q.nextAttempt[jobID] = time.Now().UTC().Add(delay)
	return nil
}

func (q *MemoryQueue) MarkCompleted(ctx context.Context, jobID, result string) error {
	return q.finish(jobID, job.StatusCompleted, result, "")
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.finish(jobID, job.StatusFailed, "", msg)
}

func (q *MemoryQueue) finish(jobID string, status job.Status, result, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if j.Status != job.StatusActive {
		return ErrNotActive
	}
	now := time.Now().UTC()
	j.Status = status
	j.Result = result
	j.Error = errMsg
	j.CompletedAt = &now
	return nil
}

func (q *MemoryQueue) AbandonBySession(ctx context.Context, sessionID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var abandoned []string
	for _, j := range q.jobs {
		if j.SessionID != sessionID || j.Status.IsTerminal() {
			continue
		}
		j.Status = job.StatusAbandoned
		completed := now
		j.CompletedAt = &completed
		abandoned = append(abandoned, j.ID)
		metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusAbandoned)).Inc()
	}
	if len(abandoned) > 0 {
		q.log.Info().Str("session_id", sessionID).Strs("job_ids", abandoned).Msg("jobs abandoned")
	}
	return abandoned, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	for _, j := range q.jobs {
		if j.Status == job.StatusQueued {
			count++
		}
	}
	return count, nil
}
