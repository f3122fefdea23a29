package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/config"
	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
	"tutor-server/services/voice-api/internal/infrastructure/storage"
	"tutor-server/services/voice-api/internal/interfaces/httpserver"
)

type brokenQueue struct{}

func (brokenQueue) Depth(ctx context.Context) (int64, error) {
	return 0, errors.New("connection refused")
}

func newTestServer(t *testing.T, q httpserver.QueueProbe) *httpserver.HttpServer {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	return httpserver.New(&config.Config{ServiceName: "voice-api"}, zerolog.Nop(), httpserver.Deps{
		Chunks: chunk.NewStore(local, zerolog.Nop()),
		Bus:    eventbus.NewMemoryBus(zerolog.Nop()),
		Queue:  q,
	})
}

func getReadyz(t *testing.T, s *httpserver.HttpServer) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	return w.Code, body
}

func TestReadyz_AllDependenciesHealthy(t *testing.T) {
	s := newTestServer(t, queue.NewMemoryQueue(zerolog.Nop()))

	code, body := getReadyz(t, s)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["ready"] != true {
		t.Fatalf("expected ready true, got %v", body["ready"])
	}
	checks := body["checks"].(map[string]any)
	for _, dep := range []string{"storage", "bus", "queue"} {
		if checks[dep] != "ok" {
			t.Errorf("check %s = %v, want ok", dep, checks[dep])
		}
	}
}

func TestReadyz_UnreachableQueueReportsNotReady(t *testing.T) {
	s := newTestServer(t, brokenQueue{})

	code, body := getReadyz(t, s)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the job queue is down, got %d", code)
	}
	if body["ready"] != false {
		t.Fatalf("expected ready false, got %v", body["ready"])
	}
	checks := body["checks"].(map[string]any)
	if checks["queue"] != "connection refused" {
		t.Errorf("queue check = %v, want the queue error", checks["queue"])
	}
	// Healthy dependencies still report individually.
	if checks["storage"] != "ok" || checks["bus"] != "ok" {
		t.Errorf("healthy checks = %v, want ok", checks)
	}
}
