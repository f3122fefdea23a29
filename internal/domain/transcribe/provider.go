// Package transcribe implements speech-to-text providers and the ordered
// fallback chain that escalates to client-side recognition when every
// provider is unavailable.
package transcribe

import (
	"context"
	"errors"
)

// ErrProvidersExhausted signals that every configured provider is either
// open-circuited or failing. This is a defined degradation outcome, not an
// error path: the gateway answers it by asking the client to fall back to
// local recognition.
var ErrProvidersExhausted = errors.New("all transcription providers unavailable")

// ErrNoSpeech signals that providers responded but none produced a
// transcript. Reported to the client as informational, never retried.
var ErrNoSpeech = errors.New("no speech detected")

// Provider converts recorded audio into text.
type Provider interface {
	// Name identifies the provider for breakers, logs and metrics.
	Name() string

	// Transcribe returns the transcript for an encoded audio blob. An empty
	// transcript with a nil error means the provider heard no speech.
	Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error)
}
