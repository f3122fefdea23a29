// Package resilience provides the failure-isolation primitives guarding every
// outbound call to an external provider: a typed circuit breaker state
// machine and a retry policy with backoff.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// ErrOpen is returned when a call is short-circuited because the breaker is
// open. It never wraps a provider error.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines circuit breaker behavior.
type BreakerConfig struct {
	CallTimeout      time.Duration // Per-call timeout; expiry counts as a failure
	FailureThreshold int           // Failures within Window before opening
	Window           time.Duration // Rolling window over which failures are counted
	ResetTimeout     time.Duration // How long to stay open before the half-open trial
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		CallTimeout:      30 * time.Second,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker guards one external dependency. One instance exists per provider;
// no breaker is shared between dependencies.
type Breaker struct {
	name string
	cfg  BreakerConfig
	log  zerolog.Logger

	mu              sync.Mutex
	state           BreakerState
	failureTimes    []time.Time
	totalSuccesses  uint64
	totalFailures   uint64
	lastFailureTime time.Time
	openedAt        time.Time
	trialInFlight   bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig, log zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerConfig().Window
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		log:   log.With().Str("component", "breaker").Str("dependency", name).Logger(),
		state: StateClosed,
		now:   time.Now,
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn under the breaker with the configured call timeout. When
// the breaker is open the call is short-circuited with ErrOpen and fn is
// never invoked. Timeouts count as failures.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allowRequest() {
		return ErrOpen
	}

	callCtx := ctx
	cancel := func() {}
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
	}
	err := fn(callCtx)
	cancel()

	b.recordResult(err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Snapshot describes the breaker for health and stats endpoints.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	WindowFailures int       `json:"window_failures"`
	TotalSuccesses uint64    `json:"total_successes"`
	TotalFailures  uint64    `json:"total_failures"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the current breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return Snapshot{
		Name:           b.name,
		State:          b.state.String(),
		WindowFailures: len(b.failureTimes),
		TotalSuccesses: b.totalSuccesses,
		TotalFailures:  b.totalFailures,
		LastFailure:    b.lastFailureTime,
		OpenedAt:       b.openedAt,
	}
}

// Reset forces the breaker back to closed and clears window counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Info().Msg("breaker reset")
	b.setStateLocked(StateClosed)
	b.failureTimes = nil
	b.trialInFlight = false
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		// A single trial call decides closed vs. open.
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

func (b *Breaker) recordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if err != nil {
		b.totalFailures++
		b.lastFailureTime = now
		b.failureTimes = append(b.failureTimes, now)
		b.pruneLocked(now)

		switch b.state {
		case StateHalfOpen:
			b.log.Warn().Err(err).Msg("trial call failed, reopening breaker")
			b.trialInFlight = false
			b.openedAt = now
			b.setStateLocked(StateOpen)
		case StateClosed:
			if len(b.failureTimes) >= b.cfg.FailureThreshold {
				b.log.Warn().
					Int("window_failures", len(b.failureTimes)).
					Msg("failure threshold reached, opening breaker")
				b.openedAt = now
				b.setStateLocked(StateOpen)
			}
		}
		return
	}

	b.totalSuccesses++
	if b.state == StateHalfOpen {
		b.log.Info().Msg("trial call succeeded, closing breaker")
		b.trialInFlight = false
		b.failureTimes = nil
		b.setStateLocked(StateClosed)
	}
}

// refreshLocked applies time-based transitions: window pruning and the
// open → half-open move after the reset timeout.
func (b *Breaker) refreshLocked() {
	now := b.now()
	b.pruneLocked(now)
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.log.Info().Msg("reset timeout elapsed, breaker half-open")
		b.trialInFlight = false
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for idx < len(b.failureTimes) && b.failureTimes[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failureTimes = append([]time.Time(nil), b.failureTimes[idx:]...)
	}
}

func (b *Breaker) setStateLocked(state BreakerState) {
	b.state = state
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(state))
}
