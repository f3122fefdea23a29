package transcribe

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/resilience"
)

// Chain tries providers in order until one returns a transcript. Each
// provider sits behind its own circuit breaker so a degraded vendor is
// skipped without waiting out its timeout on every utterance.
type Chain struct {
	entries []chainEntry
	log     zerolog.Logger
}

type chainEntry struct {
	provider Provider
	breaker  *resilience.Breaker
}

// NewChain wraps each provider with a breaker built from cfg. Provider order
// is preference order.
func NewChain(cfg resilience.BreakerConfig, log zerolog.Logger, providers ...Provider) *Chain {
	c := &Chain{log: log.With().Str("component", "stt-chain").Logger()}
	for _, p := range providers {
		c.entries = append(c.entries, chainEntry{
			provider: p,
			breaker:  resilience.NewBreaker("stt-"+p.Name(), cfg, log),
		})
	}
	return c
}

// Transcribe walks the provider chain. A provider whose breaker is open is
// skipped. An empty transcript from a healthy provider is treated as silence,
// not as a provider failure: the next provider gets a chance, and if none
// hears speech the result is ErrNoSpeech. When every provider fails or is
// unavailable the result is ErrProvidersExhausted.
func (c *Chain) Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	if len(c.entries) == 0 {
		return "", ErrProvidersExhausted
	}

	sawSilence := false
	for _, e := range c.entries {
		var text string
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			var inner error
			text, inner = e.provider.Transcribe(ctx, audio, contentType, language)
			return inner
		})
		switch {
		case errors.Is(err, resilience.ErrOpen):
			c.log.Debug().Str("provider", e.provider.Name()).Msg("breaker open, skipping provider")
			continue
		case err != nil:
			c.log.Warn().Err(err).Str("provider", e.provider.Name()).Msg("provider failed, falling back")
			continue
		case text == "":
			sawSilence = true
			c.log.Debug().Str("provider", e.provider.Name()).Msg("empty transcript, trying next provider")
			continue
		}
		return text, nil
	}

	if sawSilence {
		return "", ErrNoSpeech
	}
	return "", ErrProvidersExhausted
}

// Breakers exposes the per-provider breaker snapshots for the stats endpoint.
func (c *Chain) Breakers() []resilience.Snapshot {
	out := make([]resilience.Snapshot, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.breaker.Snapshot())
	}
	return out
}
