package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/job"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	j := job.New("s1", job.TypeTranscription, job.Payload{ChunkFrom: 0, ChunkTo: 2, Language: "en"})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil {
		t.Fatal("dequeue returned nil, want job")
	}
	if got.ID != j.ID {
		t.Errorf("id = %q, want %q", got.ID, j.ID)
	}
	if got.Status != job.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	// Queue is empty: the claimed job must not be dequeued twice.
	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if again != nil {
		t.Errorf("second dequeue = %v, want nil", again)
	}
}

func TestMemoryQueue_DequeueOrder(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	first := job.New("s1", job.TypeTranscription, job.Payload{})
	first.QueuedAt = time.Now().UTC().Add(-2 * time.Second)
	second := job.New("s2", job.TypeResponse, job.Payload{})
	second.QueuedAt = time.Now().UTC().Add(-time.Second)

	// Enqueue out of order; dequeue must follow queued time.
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil || got == nil {
		t.Fatalf("dequeue: %v, %v", got, err)
	}
	if got.ID != first.ID {
		t.Errorf("dequeued %q first, want %q", got.ID, first.ID)
	}
}

func TestMemoryQueue_RequeueDelaysRedelivery(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	j := job.New("s1", job.TypeTranscription, job.Payload{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := q.Requeue(ctx, j.ID, 50*time.Millisecond, errors.New("provider timeout")); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Not yet runnable.
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != nil {
		t.Fatal("dequeued before retry delay elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	got, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil {
		t.Fatal("job not redelivered after delay")
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if got.Error == "" {
		t.Error("expected last error recorded on redelivered job")
	}
}

func TestMemoryQueue_Finish(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	j := job.New("s1", job.TypeResponse, job.Payload{Text: "hello"})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := q.MarkCompleted(ctx, j.ID, `{"text":"hi"}`); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := q.Get(ctx, j.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result == "" || got.CompletedAt == nil {
		t.Error("expected result and completion time")
	}
}

func TestMemoryQueue_AbandonBySession(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	active := job.New("s1", job.TypeResponse, job.Payload{})
	active.QueuedAt = time.Now().UTC().Add(-2 * time.Second)
	done := job.New("s1", job.TypeResponse, job.Payload{})
	done.QueuedAt = time.Now().UTC().Add(-time.Second)
	queued := job.New("s1", job.TypeTranscription, job.Payload{})
	other := job.New("s2", job.TypeTranscription, job.Payload{})
	for _, j := range []*job.Job{active, queued, done, other} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// Claim the two oldest so a queued, an active and a finished s1 job all
	// exist when the session ends.
	if claimed, err := q.Dequeue(ctx); err != nil || claimed == nil || claimed.ID != active.ID {
		t.Fatalf("claim active job: %v, %v", claimed, err)
	}
	if claimed, err := q.Dequeue(ctx); err != nil || claimed == nil || claimed.ID != done.ID {
		t.Fatalf("claim done job: %v, %v", claimed, err)
	}
	if err := q.MarkCompleted(ctx, done.ID, "done"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	abandoned, err := q.AbandonBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if len(abandoned) != 2 {
		t.Fatalf("abandoned %d jobs, want 2", len(abandoned))
	}

	for _, id := range []string{queued.ID, active.ID} {
		got, _ := q.Get(ctx, id)
		if got.Status != job.StatusAbandoned {
			t.Errorf("job %s status = %s, want abandoned", id, got.Status)
		}
	}
	gotDone, _ := q.Get(ctx, done.ID)
	if gotDone.Status != job.StatusCompleted {
		t.Errorf("completed job status = %s, want completed untouched", gotDone.Status)
	}
	gotOther, _ := q.Get(ctx, other.ID)
	if gotOther.Status != job.StatusQueued {
		t.Errorf("other session job status = %s, want queued untouched", gotOther.Status)
	}
}

func TestMemoryQueue_FinishAbandonedJob(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	j := job.New("s1", job.TypeTranscription, job.Payload{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.AbandonBySession(ctx, "s1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	// The worker finishing late must learn the job was abandoned.
	if err := q.MarkCompleted(ctx, j.ID, "late result"); !errors.Is(err, queue.ErrNotActive) {
		t.Errorf("mark completed err = %v, want ErrNotActive", err)
	}
	got, _ := q.Get(ctx, j.ID)
	if got.Status != job.StatusAbandoned {
		t.Errorf("status = %s, want abandoned preserved", got.Status)
	}
}

func TestMemoryQueue_Depth(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, job.New("s1", job.TypeTranscription, job.Payload{})); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}
