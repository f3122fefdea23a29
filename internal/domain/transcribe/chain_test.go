package transcribe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/resilience"
	"tutor-server/services/voice-api/internal/domain/transcribe"
)

type fakeProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Transcribe(_ context.Context, _ []byte, _, _ string) (string, error) {
	f.calls++
	return f.text, f.err
}

func testBreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		CallTimeout:      time.Second,
		FailureThreshold: 2,
		Window:           time.Minute,
		ResetTimeout:     time.Minute,
	}
}

func TestChain_FirstProviderWins(t *testing.T) {
	first := &fakeProvider{name: "a", text: "hello there"}
	second := &fakeProvider{name: "b", text: "should not be used"}
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(), first, second)

	text, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want %q", text, "hello there")
	}
	if second.calls != 0 {
		t.Errorf("second provider called %d times, want 0", second.calls)
	}
}

func TestChain_FallsBackOnError(t *testing.T) {
	first := &fakeProvider{name: "a", err: errors.New("upstream 500")}
	second := &fakeProvider{name: "b", text: "from fallback"}
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(), first, second)

	text, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "from fallback" {
		t.Errorf("text = %q, want %q", text, "from fallback")
	}
	if first.calls != 1 {
		t.Errorf("first provider called %d times, want 1", first.calls)
	}
}

func TestChain_EmptyTranscriptTriesNext(t *testing.T) {
	first := &fakeProvider{name: "a", text: ""}
	second := &fakeProvider{name: "b", text: "heard by fallback"}
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(), first, second)

	text, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "heard by fallback" {
		t.Errorf("text = %q, want %q", text, "heard by fallback")
	}
}

func TestChain_AllSilentIsNoSpeech(t *testing.T) {
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(),
		&fakeProvider{name: "a"}, &fakeProvider{name: "b"})

	_, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if !errors.Is(err, transcribe.ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
}

func TestChain_AllFailedIsExhausted(t *testing.T) {
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(),
		&fakeProvider{name: "a", err: errors.New("down")},
		&fakeProvider{name: "b", err: errors.New("also down")})

	_, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if !errors.Is(err, transcribe.ErrProvidersExhausted) {
		t.Fatalf("err = %v, want ErrProvidersExhausted", err)
	}
}

func TestChain_SilenceBeatsFailure(t *testing.T) {
	// One provider heard silence, another failed: silence is the more
	// truthful outcome for the caller.
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(),
		&fakeProvider{name: "a"},
		&fakeProvider{name: "b", err: errors.New("down")})

	_, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if !errors.Is(err, transcribe.ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
}

func TestChain_OpenBreakerSkipsProvider(t *testing.T) {
	failing := &fakeProvider{name: "a", err: errors.New("down")}
	healthy := &fakeProvider{name: "b", text: "ok"}
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop(), failing, healthy)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := chain.Transcribe(ctx, []byte("audio"), "audio/webm", "en"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	// Threshold is 2: the third call must not reach the failing provider.
	if failing.calls != 2 {
		t.Errorf("failing provider called %d times, want 2", failing.calls)
	}
	if healthy.calls != 3 {
		t.Errorf("healthy provider called %d times, want 3", healthy.calls)
	}
}

func TestChain_NoProviders(t *testing.T) {
	chain := transcribe.NewChain(testBreakerConfig(), zerolog.Nop())
	_, err := chain.Transcribe(context.Background(), []byte("audio"), "audio/webm", "en")
	if !errors.Is(err, transcribe.ErrProvidersExhausted) {
		t.Fatalf("err = %v, want ErrProvidersExhausted", err)
	}
}
