package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/session"
)

// Reaper soft-ends sessions that have seen no activity for longer than the
// idle TTL. A client that left without an explicit end, or a tab that went
// away mid-conversation, is cleaned up here instead of lingering forever.
type Reaper struct {
	registry session.Registry
	idleTTL  time.Duration
	interval time.Duration
	onExpire func(ctx context.Context, s *session.Session)
	log      zerolog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewReaper creates a reaper. onExpire runs after a session is ended so the
// caller can abandon its jobs and notify subscribers; nil is allowed.
func NewReaper(
	registry session.Registry,
	idleTTL time.Duration,
	interval time.Duration,
	onExpire func(ctx context.Context, s *session.Session),
	log zerolog.Logger,
) *Reaper {
	return &Reaper{
		registry: registry,
		idleTTL:  idleTTL,
		interval: interval,
		onExpire: onExpire,
		log:      log.With().Str("component", "session-reaper").Logger(),
		done:     make(chan struct{}),
	}
}

// Start begins the reap loop in background.
// Safe to call multiple times - only the first call starts the reaper.
func (r *Reaper) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run(ctx)
		r.log.Info().Dur("idle_ttl", r.idleTTL).Msg("session reaper started")
	})
}

// Stop gracefully shuts down the reaper.
// Safe to call multiple times - only the first call stops the reaper.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.log.Info().Msg("session reaper stopped")
	})
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("context cancelled, shutting down reaper")
			return
		case <-r.done:
			r.log.Debug().Msg("done signal received, shutting down reaper")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	sessions, err := r.registry.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list sessions")
		return
	}

	now := time.Now().UTC()
	for _, s := range sessions {
		if now.Sub(s.LastActivityAt) <= r.idleTTL {
			continue
		}
		if err := r.registry.Transition(ctx, s.ID, s.Status, session.StatusEnded); err != nil {
			// Lost the race with an active client; the session is no longer idle.
			r.log.Debug().Err(err).Str("session_id", s.ID).Msg("skipping session, state changed under reaper")
			continue
		}
		r.log.Info().
			Str("session_id", s.ID).
			Str("last_status", s.Status.String()).
			Time("last_activity_at", s.LastActivityAt).
			Msg("idle session ended")
		if r.onExpire != nil {
			r.onExpire(ctx, s)
		}
	}
}
