package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/domain/job"
	"tutor-server/services/voice-api/internal/domain/resilience"
	"tutor-server/services/voice-api/internal/domain/respond"
	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/domain/transcribe"
	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
	"tutor-server/services/voice-api/internal/infrastructure/observability"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
)

// Transcriber is the speech-to-text dependency of the processor, satisfied
// by the provider chain.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error)
}

// Processor executes one job at a time. It owns the completion-time session
// transitions: a worker on any node can finish a job even when no gateway is
// subscribed, so the state change cannot live in the gateway.
type Processor struct {
	chunks      *chunk.Store
	stt         Transcriber
	responder   respond.Responder
	registry    session.Registry
	queue       queue.JobQueue
	bus         eventbus.Bus
	retry       resilience.RetryPolicy
	maxAttempts int
	log         zerolog.Logger
}

// NewProcessor wires the job executors.
func NewProcessor(
	chunks *chunk.Store,
	stt Transcriber,
	responder respond.Responder,
	registry session.Registry,
	jobQueue queue.JobQueue,
	bus eventbus.Bus,
	retry resilience.RetryPolicy,
	maxAttempts int,
	log zerolog.Logger,
) *Processor {
	return &Processor{
		chunks:      chunks,
		stt:         stt,
		responder:   responder,
		registry:    registry,
		queue:       jobQueue,
		bus:         bus,
		retry:       retry,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "job-processor").Logger(),
	}
}

// Process runs one dequeued job to an outcome: completed, requeued for a
// later attempt, terminally failed, or discarded because the session ended.
func (p *Processor) Process(ctx context.Context, j *job.Job) error {
	ctx, span := observability.StartJobSpan(ctx, j.ID, j.SessionID, string(j.Type), j.Attempts)
	defer span.End()

	start := time.Now()
	var err error
	switch j.Type {
	case job.TypeTranscription:
		err = p.processTranscription(ctx, j)
	case job.TypeResponse:
		err = p.processResponse(ctx, j)
	default:
		err = fmt.Errorf("unknown job type: %s", j.Type)
		_ = p.queue.MarkFailed(ctx, j.ID, err)
	}
	metrics.JobDuration.WithLabelValues(string(j.Type)).Observe(time.Since(start).Seconds())
	return err
}

func (p *Processor) processTranscription(ctx context.Context, j *job.Job) error {
	audio, err := p.chunks.ReadRange(ctx, j.SessionID, j.Payload.ChunkFrom, j.Payload.ChunkTo)
	if err != nil {
		// Storage reads do not self-heal; retrying would replay the same
		// missing chunks.
		return p.failJob(ctx, j, fmt.Errorf("read audio chunks: %w", err))
	}
	contentType := j.Payload.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}

	text, err := p.stt.Transcribe(ctx, audio, contentType, j.Payload.Language)
	switch {
	case errors.Is(err, transcribe.ErrProvidersExhausted):
		return p.degradeToBrowserSTT(ctx, j)
	case errors.Is(err, transcribe.ErrNoSpeech):
		return p.reportNoSpeech(ctx, j)
	case err != nil:
		if resilience.IsTransient(err) && j.Attempts < p.maxAttempts {
			return p.requeue(ctx, j, err)
		}
		return p.failJob(ctx, j, err)
	}

	resultJSON, _ := json.Marshal(eventbus.TranscribedPayload{Text: text, Language: j.Payload.Language})
	if err := p.queue.MarkCompleted(ctx, j.ID, string(resultJSON)); err != nil {
		if errors.Is(err, queue.ErrNotActive) {
			return p.discard(j)
		}
		return fmt.Errorf("mark transcription completed: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusCompleted)).Inc()

	// Hand off to a response job while the session stays in processing.
	next := job.New(j.SessionID, job.TypeResponse, job.Payload{
		Text:             text,
		Language:         j.Payload.Language,
		TTSEnabled:       j.Payload.TTSEnabled,
		UserID:           j.Payload.UserID,
		ConversationID:   j.Payload.ConversationID,
		UtteranceStartMs: j.Payload.UtteranceStartMs,
	})
	if err := p.registry.ReplaceActiveJob(ctx, j.SessionID, j.ID, next.ID); err != nil {
		// The session ended between the abandon check and the handoff.
		p.log.Info().Err(err).Str("session_id", j.SessionID).Str("job_id", j.ID).Msg("dropping transcript, session no longer owns job")
		return nil
	}
	if err := p.queue.Enqueue(ctx, next); err != nil {
		_ = p.registry.ClearActiveJob(ctx, j.SessionID, next.ID)
		return p.publishError(ctx, j, fmt.Errorf("enqueue response job: %w", err))
	}

	_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeTranscribed, j.SessionID, j.ID,
		eventbus.TranscribedPayload{Text: text, Language: j.Payload.Language})
	_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeProcessing, j.SessionID, next.ID,
		eventbus.ProcessingPayload{Status: "thinking"})
	return nil
}

func (p *Processor) processResponse(ctx context.Context, j *job.Job) error {
	conversationID := j.Payload.ConversationID
	if conversationID == "" {
		// Conversations are created lazily on the first exchange.
		conversationID = uuid.NewString()
		if err := p.registry.SetConversation(ctx, j.SessionID, conversationID); err != nil {
			p.log.Warn().Err(err).Str("session_id", j.SessionID).Msg("failed to link conversation")
		}
	}

	reply, err := p.responder.Respond(ctx, j.Payload.Text, j.Payload.Language, conversationID)
	if err != nil {
		if errors.Is(err, resilience.ErrOpen) || resilience.IsTransient(err) {
			if j.Attempts < p.maxAttempts {
				return p.requeue(ctx, j, err)
			}
		}
		return p.failJob(ctx, j, err)
	}

	resultJSON, _ := json.Marshal(reply)
	if err := p.queue.MarkCompleted(ctx, j.ID, string(resultJSON)); err != nil {
		if errors.Is(err, queue.ErrNotActive) {
			return p.discard(j)
		}
		return fmt.Errorf("mark response completed: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusCompleted)).Inc()

	latencyMs := p.exchangeLatencyMs(j)
	if err := p.registry.RecordExchange(ctx, j.SessionID, latencyMs, latencyMs); err != nil {
		p.log.Warn().Err(err).Str("session_id", j.SessionID).Msg("failed to record exchange metrics")
	}

	next := session.StatusIdle
	if j.Payload.TTSEnabled {
		next = session.StatusSpeaking
	}
	if err := p.registry.Transition(ctx, j.SessionID, session.StatusProcessing, next); err != nil {
		p.log.Info().Err(err).Str("session_id", j.SessionID).Msg("dropping reply, session state changed")
		return nil
	}
	_ = p.registry.ClearActiveJob(ctx, j.SessionID, j.ID)

	_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeResponse, j.SessionID, j.ID, eventbus.ResponsePayload{
		Text:        reply.Text,
		MessageID:   reply.MessageID,
		ShouldSpeak: j.Payload.TTSEnabled,
	})
	if next == session.StatusIdle {
		_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeReady, j.SessionID, "", nil)
	}
	return nil
}

// degradeToBrowserSTT is the defined outcome for total provider exhaustion:
// not an error, a signal that the client should fall back to its own
// speech recognition.
func (p *Processor) degradeToBrowserSTT(ctx context.Context, j *job.Job) error {
	if err := p.queue.MarkCompleted(ctx, j.ID, `{"degraded":"use-browser-stt"}`); err != nil {
		if errors.Is(err, queue.ErrNotActive) {
			return p.discard(j)
		}
		return fmt.Errorf("mark degraded job completed: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusCompleted)).Inc()
	p.releaseSession(ctx, j)
	_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeUseBrowserSTT, j.SessionID, j.ID,
		eventbus.UseBrowserSTTPayload{Message: "speech recognition is temporarily unavailable, please use your browser's speech input"})
	return nil
}

func (p *Processor) reportNoSpeech(ctx context.Context, j *job.Job) error {
	if err := p.queue.MarkCompleted(ctx, j.ID, `{"transcript":""}`); err != nil {
		if errors.Is(err, queue.ErrNotActive) {
			return p.discard(j)
		}
		return fmt.Errorf("mark silent job completed: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusCompleted)).Inc()
	p.releaseSession(ctx, j)
	_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeError, j.SessionID, j.ID,
		eventbus.ErrorPayload{Error: "no speech detected"})
	return nil
}

func (p *Processor) requeue(ctx context.Context, j *job.Job, cause error) error {
	delay := p.retry.Delay(j.Attempts)
	p.log.Warn().Err(cause).
		Str("job_id", j.ID).
		Int("attempt", j.Attempts).
		Dur("retry_in", delay).
		Msg("transient failure, requeueing job")
	if err := p.queue.Requeue(ctx, j.ID, delay, cause); err != nil {
		if errors.Is(err, queue.ErrNotActive) {
			return p.discard(j)
		}
		return p.failJob(ctx, j, fmt.Errorf("requeue after %v: %w", cause, err))
	}
	return nil
}

func (p *Processor) failJob(ctx context.Context, j *job.Job, cause error) error {
	p.log.Error().Err(cause).Str("job_id", j.ID).Str("session_id", j.SessionID).Msg("job failed terminally")
	if err := p.queue.MarkFailed(ctx, j.ID, cause); err != nil {
		if errors.Is(err, queue.ErrNotActive) {
			return p.discard(j)
		}
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to mark job failed")
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(job.StatusFailed)).Inc()
	return p.publishError(ctx, j, cause)
}

func (p *Processor) publishError(ctx context.Context, j *job.Job, cause error) error {
	p.releaseSession(ctx, j)
	_ = eventbus.PublishJSON(ctx, p.bus, eventbus.TypeError, j.SessionID, j.ID,
		eventbus.ErrorPayload{Error: cause.Error()})
	return nil
}

// releaseSession returns the session to idle and clears the active job after
// a terminal outcome that does not hand off to another job.
func (p *Processor) releaseSession(ctx context.Context, j *job.Job) {
	if err := p.registry.Transition(ctx, j.SessionID, session.StatusProcessing, session.StatusIdle); err != nil {
		p.log.Debug().Err(err).Str("session_id", j.SessionID).Msg("session not in processing, leaving state alone")
	}
	_ = p.registry.ClearActiveJob(ctx, j.SessionID, j.ID)
}

// discard finishes cleanly without publishing: the session ended while the
// job was in flight, so the result must never reach a client.
func (p *Processor) discard(j *job.Job) error {
	p.log.Info().Str("job_id", j.ID).Str("session_id", j.SessionID).Msg("discarding result of abandoned job")
	return nil
}

func (p *Processor) exchangeLatencyMs(j *job.Job) int64 {
	if j.Payload.UtteranceStartMs > 0 {
		return time.Now().UTC().UnixMilli() - j.Payload.UtteranceStartMs
	}
	return time.Since(j.QueuedAt).Milliseconds()
}
