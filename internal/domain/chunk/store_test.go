package chunk_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/infrastructure/storage"
)

func newStore(t *testing.T) *chunk.Store {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	return chunk.NewStore(local, zerolog.Nop())
}

func TestStore_PutAndList(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for i, payload := range [][]byte{[]byte("aaa"), []byte("bbbb"), []byte("cc")} {
		if _, err := store.Put(ctx, "s1", i, payload, "audio/webm"); err != nil {
			t.Fatalf("put chunk %d: %v", i, err)
		}
	}

	infos, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(infos))
	}
	for i, info := range infos {
		if info.Index != i {
			t.Errorf("chunk %d listed with index %d", i, info.Index)
		}
		if info.SessionID != "s1" {
			t.Errorf("chunk %d has session %q", i, info.SessionID)
		}
	}
	if infos[1].Size != 4 {
		t.Errorf("expected chunk 1 size 4, got %d", infos[1].Size)
	}
}

func TestStore_DuplicateIndexRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	if _, err := store.Put(ctx, "s1", 0, []byte("first"), "audio/webm"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "s1", 0, []byte("second"), "audio/webm"); !errors.Is(err, chunk.ErrDuplicateChunk) {
		t.Fatalf("expected ErrDuplicateChunk, got %v", err)
	}

	// The original chunk must survive the rejected write.
	merged, err := store.Merge(ctx, "s1")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if string(merged) != "first" {
		t.Fatalf("expected original chunk to survive, got %q", merged)
	}
}

func TestStore_PutBlobSplitsAndContinuesIndexing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	from, to, err := store.PutBlob(ctx, "s1", []byte("0123456789"), "audio/webm", 4)
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if from != 0 || to != 2 {
		t.Fatalf("expected range [0, 2], got [%d, %d]", from, to)
	}

	// A second utterance appends after the first one's chunks.
	from, to, err = store.PutBlob(ctx, "s1", []byte("abcdef"), "audio/webm", 4)
	if err != nil {
		t.Fatalf("put second blob: %v", err)
	}
	if from != 3 || to != 4 {
		t.Fatalf("expected range [3, 4], got [%d, %d]", from, to)
	}

	got, err := store.ReadRange(ctx, "s1", 3, 4)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("expected second utterance bytes, got %q", got)
	}
}

func TestStore_PutBlobEmpty(t *testing.T) {
	store := newStore(t)
	if _, _, err := store.PutBlob(context.Background(), "s1", nil, "audio/webm", 4); err == nil {
		t.Fatal("expected error for empty blob")
	}
}

func TestStore_ReadRange(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	if _, _, err := store.PutBlob(ctx, "s1", []byte("0123456789"), "audio/webm", 3); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	got, err := store.ReadRange(ctx, "s1", 1, 2)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if string(got) != "345678" {
		t.Fatalf("expected middle chunks, got %q", got)
	}

	if _, err := store.ReadRange(ctx, "s1", 2, 7); !errors.Is(err, chunk.ErrChunkGap) {
		t.Fatalf("expected ErrChunkGap for missing indices, got %v", err)
	}
	if _, err := store.ReadRange(ctx, "s1", 2, 1); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestStore_MergeDetectsGap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	if _, err := store.Put(ctx, "s1", 0, []byte("aa"), "audio/webm"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "s1", 2, []byte("cc"), "audio/webm"); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := store.Merge(ctx, "s1"); !errors.Is(err, chunk.ErrChunkGap) {
		t.Fatalf("expected ErrChunkGap, got %v", err)
	}
}

func TestStore_SessionIsolation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	if _, _, err := store.PutBlob(ctx, "s1", []byte("one"), "audio/webm", 0); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if _, _, err := store.PutBlob(ctx, "s2", []byte("two"), "audio/webm", 0); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	merged, err := store.Merge(ctx, "s1")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !bytes.Equal(merged, []byte("one")) {
		t.Fatalf("expected only s1 bytes, got %q", merged)
	}
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	if _, _, err := store.PutBlob(ctx, "s1", []byte("0123456789"), "audio/webm", 4); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	deleted, err := store.Cleanup(ctx, "s1")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted chunks, got %d", deleted)
	}

	infos, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no chunks after cleanup, got %d", len(infos))
	}
}

func TestKeyRoundTrip(t *testing.T) {
	key := chunk.BuildKey("abc-123", 7, 1700000000000, "audio/ogg")
	info, err := chunk.ParseKey(key)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if info.SessionID != "abc-123" || info.Index != 7 || info.WrittenAtMs != 1700000000000 {
		t.Fatalf("round trip mismatch: %+v", info)
	}
	if info.ContentType != "audio/ogg" {
		t.Fatalf("expected audio/ogg, got %s", info.ContentType)
	}

	if _, err := chunk.ParseKey("sessions/s1/not_a_chunk.webm"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
