package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/infrastructure/queue"
)

// Worker polls the job queue and runs jobs through the processor.
type Worker struct {
	id           int
	queue        queue.JobQueue
	processor    *Processor
	jobTimeout   time.Duration
	pollInterval time.Duration
	log          zerolog.Logger
	stopChan     chan struct{}
}

// NewWorker creates a new background worker.
func NewWorker(
	id int,
	jobQueue queue.JobQueue,
	processor *Processor,
	jobTimeout time.Duration,
	pollInterval time.Duration,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		id:           id,
		queue:        jobQueue,
		processor:    processor,
		jobTimeout:   jobTimeout,
		pollInterval: pollInterval,
		log:          log.With().Int("worker_id", id).Str("component", "worker").Logger(),
		stopChan:     make(chan struct{}),
	}
}

// Start begins processing jobs from the queue.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info().Msg("worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped by context")
			return
		case <-w.stopChan:
			w.log.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			w.processNext(ctx)
		}
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopChan)
}

func (w *Worker) processNext(ctx context.Context) {
	j, err := w.queue.Dequeue(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to dequeue job")
		return
	}
	if j == nil {
		return
	}

	w.log.Info().
		Str("job_id", j.ID).
		Str("session_id", j.SessionID).
		Str("job_type", string(j.Type)).
		Int("attempt", j.Attempts).
		Msg("processing job")

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	if err := w.processor.Process(jobCtx, j); err != nil {
		w.log.Error().Err(err).Str("job_id", j.ID).Msg("job processing failed")
		return
	}

	w.log.Info().Str("job_id", j.ID).Msg("job processed")
}
