package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/infrastructure/metrics"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
)

// Pool manages the background workers of one node.
type Pool struct {
	workers   []*Worker
	queue     queue.JobQueue
	processor *Processor
	cfg       PoolConfig
	log       zerolog.Logger
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	WorkerCount  int
	JobTimeout   time.Duration
	PollInterval time.Duration
}

// NewPool creates a new worker pool.
func NewPool(
	jobQueue queue.JobQueue,
	processor *Processor,
	cfg PoolConfig,
	log zerolog.Logger,
) *Pool {
	return &Pool{
		queue:     jobQueue,
		processor: processor,
		cfg:       cfg,
		log:       log.With().Str("component", "worker-pool").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start initializes and starts all workers plus the queue depth gauge.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info().Int("worker_count", p.cfg.WorkerCount).Msg("starting worker pool")

	p.workers = make([]*Worker, p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		worker := NewWorker(
			i+1,
			p.queue,
			p.processor,
			p.cfg.JobTimeout,
			p.cfg.PollInterval,
			p.log,
		)
		p.workers[i] = worker

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.trackQueueDepth(ctx)
	}()

	p.log.Info().Msg("worker pool started")
	return nil
}

// Stop gracefully shuts down all workers, letting in-flight jobs finish.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool")

	for _, worker := range p.workers {
		worker.Stop()
	}
	close(p.stopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		p.log.Warn().Msg("worker pool shutdown timed out")
	}
}

// QueueDepth returns the current queue depth.
func (p *Pool) QueueDepth(ctx context.Context) (int64, error) {
	return p.queue.Depth(ctx)
}

func (p *Pool) trackQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("failed to read queue depth")
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}
