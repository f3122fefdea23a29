package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/domain/job"
	"tutor-server/services/voice-api/internal/domain/resilience"
	"tutor-server/services/voice-api/internal/domain/respond"
	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/domain/transcribe"
	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
	"tutor-server/services/voice-api/internal/infrastructure/sessionstore"
	"tutor-server/services/voice-api/internal/infrastructure/storage"
	"tutor-server/services/voice-api/internal/worker"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string, string) (string, error) {
	return f.text, f.err
}

type fakeResponder struct {
	reply respond.Reply
	err   error
}

func (f *fakeResponder) Respond(context.Context, string, string, string) (respond.Reply, error) {
	return f.reply, f.err
}

type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) record(_ context.Context, ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	registry *sessionstore.MemoryRegistry
	chunks   *chunk.Store
	bus      *eventbus.MemoryBus
	events   *eventRecorder
	memQueue *queue.MemoryQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	return &harness{
		registry: sessionstore.NewMemoryRegistry(zerolog.Nop()),
		chunks:   chunk.NewStore(local, zerolog.Nop()),
		bus:      eventbus.NewMemoryBus(zerolog.Nop()),
		events:   &eventRecorder{},
		memQueue: queue.NewMemoryQueue(zerolog.Nop()),
	}
}

func (h *harness) newProcessor(t *testing.T, stt worker.Transcriber, responder respond.Responder) *worker.Processor {
	t.Helper()
	retry := resilience.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}
	return worker.NewProcessor(h.chunks, stt, responder, h.registry, h.memQueue, h.bus, retry, 3, zerolog.Nop())
}

// startProcessing creates a processing session with an active claimed job,
// mirroring what the gateway does on stop-recording.
func (h *harness) startProcessing(t *testing.T, j *job.Job, ttsEnabled bool) *job.Job {
	t.Helper()
	ctx := context.Background()

	s := session.New(j.SessionID, "u1", session.Settings{Language: "en", TTSEnabled: ttsEnabled})
	s.Status = session.StatusProcessing
	if err := h.registry.Create(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := h.registry.SetActiveJob(ctx, j.SessionID, j.ID); err != nil {
		t.Fatalf("set active job: %v", err)
	}
	if err := h.memQueue.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.memQueue.Dequeue(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("dequeue: %v, %v", claimed, err)
	}
	if _, err := h.bus.Subscribe(ctx, j.SessionID, h.events.record); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return claimed
}

func (h *harness) writeChunks(t *testing.T, sessionID string, parts ...string) (from, to int) {
	t.Helper()
	for i, part := range parts {
		if _, err := h.chunks.Put(context.Background(), sessionID, i, []byte(part), "audio/webm"); err != nil {
			t.Fatalf("put chunk %d: %v", i, err)
		}
	}
	return 0, len(parts) - 1
}

func TestProcessor_TranscriptionHandsOffToResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	from, to := h.writeChunks(t, "s1", "aud", "io")
	j := job.New("s1", job.TypeTranscription, job.Payload{
		ChunkFrom: from, ChunkTo: to, Language: "en", TTSEnabled: true,
	})
	claimed := h.startProcessing(t, j, true)

	p := h.newProcessor(t, &fakeTranscriber{text: "explain recursion"}, &fakeResponder{})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := h.memQueue.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %s, want completed", got.Status)
	}

	// A response job must be queued and registered as the new active job.
	depth, _ := h.memQueue.Depth(ctx)
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 response job", depth)
	}
	next, err := h.memQueue.Dequeue(ctx)
	if err != nil || next == nil {
		t.Fatalf("dequeue response job: %v, %v", next, err)
	}
	if next.Type != job.TypeResponse {
		t.Errorf("next job type = %s, want response", next.Type)
	}
	if next.Payload.Text != "explain recursion" {
		t.Errorf("next job text = %q", next.Payload.Text)
	}
	sess, _ := h.registry.Get(ctx, "s1")
	if sess.ActiveJobID != next.ID {
		t.Errorf("active job = %q, want %q", sess.ActiveJobID, next.ID)
	}
	if sess.Status != session.StatusProcessing {
		t.Errorf("session status = %s, want processing during handoff", sess.Status)
	}

	types := h.events.types()
	if len(types) != 2 || types[0] != eventbus.TypeTranscribed || types[1] != eventbus.TypeProcessing {
		t.Errorf("events = %v, want [transcribed processing]", types)
	}
}

func TestProcessor_ProvidersExhaustedDegrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	from, to := h.writeChunks(t, "s1", "audio")
	j := job.New("s1", job.TypeTranscription, job.Payload{ChunkFrom: from, ChunkTo: to})
	claimed := h.startProcessing(t, j, false)

	p := h.newProcessor(t, &fakeTranscriber{err: transcribe.ErrProvidersExhausted}, &fakeResponder{})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	types := h.events.types()
	if len(types) != 1 || types[0] != eventbus.TypeUseBrowserSTT {
		t.Fatalf("events = %v, want [use-browser-stt]", types)
	}
	sess, _ := h.registry.Get(ctx, "s1")
	if sess.Status != session.StatusIdle {
		t.Errorf("session status = %s, want idle after degradation", sess.Status)
	}
	if sess.ActiveJobID != "" {
		t.Errorf("active job = %q, want cleared", sess.ActiveJobID)
	}
}

func TestProcessor_NoSpeechReportsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	from, to := h.writeChunks(t, "s1", "audio")
	j := job.New("s1", job.TypeTranscription, job.Payload{ChunkFrom: from, ChunkTo: to})
	claimed := h.startProcessing(t, j, false)

	p := h.newProcessor(t, &fakeTranscriber{err: transcribe.ErrNoSpeech}, &fakeResponder{})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	types := h.events.types()
	if len(types) != 1 || types[0] != eventbus.TypeError {
		t.Fatalf("events = %v, want [error]", types)
	}
	got, _ := h.memQueue.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %s, silence is not a job failure", got.Status)
	}
	sess, _ := h.registry.Get(ctx, "s1")
	if sess.Status != session.StatusIdle {
		t.Errorf("session status = %s, want idle", sess.Status)
	}
}

func TestProcessor_TransientErrorRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	from, to := h.writeChunks(t, "s1", "audio")
	j := job.New("s1", job.TypeTranscription, job.Payload{ChunkFrom: from, ChunkTo: to})
	claimed := h.startProcessing(t, j, false)

	p := h.newProcessor(t, &fakeTranscriber{err: errors.New("connection refused")}, &fakeResponder{})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := h.memQueue.Get(ctx, j.ID)
	if got.Status != job.StatusQueued {
		t.Errorf("job status = %s, want queued for retry", got.Status)
	}
	if len(h.events.types()) != 0 {
		t.Errorf("events = %v, retries must be invisible to the client", h.events.types())
	}
}

func TestProcessor_ExhaustedAttemptsFailTerminally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	from, to := h.writeChunks(t, "s1", "audio")
	j := job.New("s1", job.TypeTranscription, job.Payload{ChunkFrom: from, ChunkTo: to})
	claimed := h.startProcessing(t, j, false)
	claimed.Attempts = 3 // final attempt

	p := h.newProcessor(t, &fakeTranscriber{err: errors.New("connection refused")}, &fakeResponder{})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := h.memQueue.Get(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("job status = %s, want failed", got.Status)
	}
	types := h.events.types()
	if len(types) != 1 || types[0] != eventbus.TypeError {
		t.Errorf("events = %v, want [error]", types)
	}
	sess, _ := h.registry.Get(ctx, "s1")
	if sess.Status != session.StatusIdle {
		t.Errorf("session status = %s, want idle so the client can retry", sess.Status)
	}
}

func TestProcessor_ResponseWithTTSGoesSpeaking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j := job.New("s1", job.TypeResponse, job.Payload{Text: "explain recursion", Language: "en", TTSEnabled: true})
	claimed := h.startProcessing(t, j, true)

	p := h.newProcessor(t, &fakeTranscriber{}, &fakeResponder{
		reply: respond.Reply{Text: "Recursion is when...", MessageID: "m1"},
	})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	sess, _ := h.registry.Get(ctx, "s1")
	if sess.Status != session.StatusSpeaking {
		t.Errorf("session status = %s, want speaking", sess.Status)
	}
	if sess.ConversationID == "" {
		t.Error("expected lazily created conversation id")
	}
	if sess.Metrics.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", sess.Metrics.MessageCount)
	}

	types := h.events.types()
	if len(types) != 1 || types[0] != eventbus.TypeResponse {
		t.Fatalf("events = %v, want [response]", types)
	}
}

func TestProcessor_ResponseWithoutTTSGoesIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j := job.New("s1", job.TypeResponse, job.Payload{Text: "hello", Language: "en", TTSEnabled: false})
	claimed := h.startProcessing(t, j, false)

	p := h.newProcessor(t, &fakeTranscriber{}, &fakeResponder{
		reply: respond.Reply{Text: "Hi! Ready to practice?", MessageID: "m1"},
	})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	sess, _ := h.registry.Get(ctx, "s1")
	if sess.Status != session.StatusIdle {
		t.Errorf("session status = %s, want idle", sess.Status)
	}
	types := h.events.types()
	if len(types) != 2 || types[0] != eventbus.TypeResponse || types[1] != eventbus.TypeReady {
		t.Errorf("events = %v, want [response ready]", types)
	}
}

func TestProcessor_AbandonedJobResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j := job.New("s1", job.TypeResponse, job.Payload{Text: "hello", Language: "en"})
	claimed := h.startProcessing(t, j, false)

	// Session ends while the job is in flight.
	if err := h.registry.Transition(ctx, "s1", session.StatusProcessing, session.StatusEnded); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := h.memQueue.AbandonBySession(ctx, "s1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	p := h.newProcessor(t, &fakeTranscriber{}, &fakeResponder{
		reply: respond.Reply{Text: "too late", MessageID: "m1"},
	})
	if err := p.Process(ctx, claimed); err != nil {
		t.Fatalf("process must finish cleanly: %v", err)
	}

	if types := h.events.types(); len(types) != 0 {
		t.Errorf("events = %v, abandoned results must never be delivered", types)
	}
	got, _ := h.memQueue.Get(ctx, j.ID)
	if got.Status != job.StatusAbandoned {
		t.Errorf("job status = %s, want abandoned preserved", got.Status)
	}
}

func TestPool_StartStop(t *testing.T) {
	h := newHarness(t)
	p := h.newProcessor(t, &fakeTranscriber{text: "hi"}, &fakeResponder{reply: respond.Reply{Text: "hello", MessageID: "m1"}})

	pool := worker.NewPool(h.memQueue, p, worker.PoolConfig{
		WorkerCount:  2,
		JobTimeout:   time.Second,
		PollInterval: 5 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start pool: %v", err)
	}

	j := job.New("s1", job.TypeResponse, job.Payload{Text: "hello", Language: "en"})
	_ = h.startProcessing(t, j, false)
	// startProcessing claims the job for its own harness flow; requeue it so
	// the pool's workers pick it up.
	if err := h.memQueue.Requeue(ctx, j.ID, 0, nil); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := h.memQueue.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == job.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed, status = %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	pool.Stop()
}
