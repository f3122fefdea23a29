// Package chunk implements the append-only audio chunk store. Chunks are
// streamed straight to durable object storage; the process never holds more
// than one chunk in memory at a time.
package chunk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/infrastructure/metrics"
	"tutor-server/services/voice-api/internal/infrastructure/storage"
)

// ErrDuplicateChunk is returned when a chunk index already exists for the
// session. Callers must not retry a failed put with the same index; duplicate
// chunks would corrupt reconstruction ordering.
var ErrDuplicateChunk = fmt.Errorf("chunk index already written")

// ErrChunkGap is returned by Merge when the stored indices are not contiguous
// from zero, which indicates a lost chunk.
var ErrChunkGap = fmt.Errorf("chunk sequence has a gap")

// Store persists ordered audio chunks for voice sessions.
type Store struct {
	backend storage.ObjectStorage
	log     zerolog.Logger
}

// NewStore creates a chunk store over the given object storage backend.
func NewStore(backend storage.ObjectStorage, log zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log.With().Str("component", "chunk-store").Logger(),
	}
}

// Put writes one chunk at the given sequence index and returns the object key.
// Writing an index that already exists fails with ErrDuplicateChunk.
func (s *Store) Put(ctx context.Context, sessionID string, index int, data []byte, contentType string) (string, error) {
	existing, err := s.backend.List(ctx, fmt.Sprintf("sessions/%s/chunk_%05d_", sessionID, index))
	if err != nil {
		return "", fmt.Errorf("check chunk index: %w", err)
	}
	if len(existing) > 0 {
		return "", ErrDuplicateChunk
	}

	key := BuildKey(sessionID, index, time.Now().UnixMilli(), contentType)
	if err := s.backend.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("store chunk %d: %w", index, err)
	}

	metrics.ChunksWrittenTotal.Inc()
	metrics.ChunkBytesTotal.Add(float64(len(data)))
	s.log.Debug().Str("session_id", sessionID).Int("index", index).Int("bytes", len(data)).Msg("chunk stored")
	return key, nil
}

// PutBlob splits a recorded blob into bounded-size chunks and writes them in
// order, continuing from the session's next free index. Returns the index
// range written (inclusive).
func (s *Store) PutBlob(ctx context.Context, sessionID string, blob []byte, contentType string, maxChunk int) (from, to int, err error) {
	if len(blob) == 0 {
		return 0, 0, fmt.Errorf("empty audio blob")
	}
	if maxChunk <= 0 {
		maxChunk = len(blob)
	}

	infos, err := s.List(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	next := len(infos)

	from = next
	for offset := 0; offset < len(blob); offset += maxChunk {
		end := offset + maxChunk
		if end > len(blob) {
			end = len(blob)
		}
		if _, err := s.Put(ctx, sessionID, next, blob[offset:end], contentType); err != nil {
			return from, next - 1, err
		}
		next++
	}
	return from, next - 1, nil
}

// List returns chunk metadata for a session sorted by sequence index.
func (s *Store) List(ctx context.Context, sessionID string) ([]Info, error) {
	objects, err := s.backend.List(ctx, Prefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	infos := make([]Info, 0, len(objects))
	for _, obj := range objects {
		info, err := ParseKey(obj.Key)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("skipping unparseable object in session prefix")
			continue
		}
		info.Size = obj.Size
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos, nil
}

// Merge downloads and concatenates all chunks in index order. This is an
// archival/reconstruction path and must not be used while a session is live.
func (s *Store) Merge(ctx context.Context, sessionID string) ([]byte, error) {
	infos, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for i, info := range infos {
		if info.Index != i {
			return nil, fmt.Errorf("%w: expected index %d, found %d", ErrChunkGap, i, info.Index)
		}
		if err := s.appendChunk(ctx, &buf, info.Key); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ReadRange downloads and concatenates the chunks with indices in
// [from, to]. Used by transcription workers to assemble one utterance.
func (s *Store) ReadRange(ctx context.Context, sessionID string, from, to int) ([]byte, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("invalid chunk range [%d, %d]", from, to)
	}

	infos, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byIndex := make(map[int]Info, len(infos))
	for _, info := range infos {
		byIndex[info.Index] = info
	}

	var buf bytes.Buffer
	for i := from; i <= to; i++ {
		info, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing index %d", ErrChunkGap, i)
		}
		if err := s.appendChunk(ctx, &buf, info.Key); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Cleanup deletes all chunks for a session and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, sessionID string) (int, error) {
	objects, err := s.backend.List(ctx, Prefix(sessionID))
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}

	deleted := 0
	for _, obj := range objects {
		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			return deleted, fmt.Errorf("delete chunk %s: %w", obj.Key, err)
		}
		deleted++
	}

	s.log.Info().Str("session_id", sessionID).Int("deleted", deleted).Msg("session chunks cleaned up")
	return deleted, nil
}

// Health reports whether the storage backend is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.backend.Health(ctx)
}

func (s *Store) appendChunk(ctx context.Context, buf *bytes.Buffer, key string) error {
	body, _, err := s.backend.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("download chunk %s: %w", key, err)
	}
	defer body.Close()

	if _, err := io.Copy(buf, body); err != nil {
		return fmt.Errorf("read chunk %s: %w", key, err)
	}
	return nil
}
