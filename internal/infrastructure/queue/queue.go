package queue

import (
	"context"
	"errors"
	"time"

	"tutor-server/services/voice-api/internal/domain/job"
)

// ErrNotActive is returned when finishing or requeueing a job that is no
// longer active, typically because it was abandoned while in flight. The
// worker treats it as a signal to discard the result.
var ErrNotActive = errors.New("job no longer active")

// JobQueue is the durable hand-off between gateways and workers. Gateways
// only enqueue; workers dequeue and report outcomes. Redelivery of jobs whose
// worker died is handled by the queue via the next-attempt timestamp.
type JobQueue interface {
	// Enqueue adds a queued job.
	Enqueue(ctx context.Context, j *job.Job) error

	// Dequeue claims the next runnable job and marks it active. Returns
	// nil, nil when the queue is empty.
	Dequeue(ctx context.Context) (*job.Job, error)

	// Get returns the job by id, or nil, nil when unknown.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// Requeue returns an active job to queued state for another attempt
	// after delay. Returns ErrNotActive if the job was abandoned meanwhile.
	Requeue(ctx context.Context, jobID string, delay time.Duration, lastErr error) error

	// MarkCompleted records the result and finishes an active job. Returns
	// ErrNotActive if the job was abandoned meanwhile.
	MarkCompleted(ctx context.Context, jobID, result string) error

	// MarkFailed terminally fails an active job. Returns ErrNotActive if
	// the job was abandoned meanwhile.
	MarkFailed(ctx context.Context, jobID string, jobErr error) error

	// AbandonBySession abandons every non-terminal job of a session and
	// returns the abandoned job ids.
	AbandonBySession(ctx context.Context, sessionID string) ([]string, error)

	// Depth returns the number of queued jobs.
	Depth(ctx context.Context) (int64, error)
}
