// Package breaker implements a named, three-state circuit breaker used
// to protect outbound HTTP and WebSocket operations from cascading
// failure during upstream outages.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is OPEN.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the three tunables governing state transitions.
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// Breaker is a single named circuit breaker instance. It is safe for
// concurrent use; the lock is held only across state inspection and
// state transitions, never across the wrapped call.
type Breaker struct {
	cfg    Config
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailure     time.Time
	hasLastFailure  bool
	lastUsed        time.Time
}

// New creates a breaker in the CLOSED state.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:      cfg,
		logger:   logger.With().Str("component", "circuit_breaker").Str("breaker", cfg.Name).Logger(),
		state:    Closed,
		lastUsed: time.Now(),
	}
}

// Call executes fn through the breaker. If the breaker is OPEN and the
// recovery timeout has not elapsed, fn is never invoked and ErrOpen is
// returned. The lock is released while fn runs so concurrent in-flight
// calls do not serialize on the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	b.lastUsed = time.Now()
	if b.state == Open {
		if b.shouldAttemptRecoveryLocked() {
			b.state = HalfOpen
			b.successCount = 0
			b.logger.Info().Msg("transitioning to half_open")
		} else {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.resetLocked()
			b.logger.Info().Msg("recovered, transitioning to closed")
		}
	case Closed:
		b.failureCount = 0
	}
	return nil
}

func (b *Breaker) shouldAttemptRecoveryLocked() bool {
	if !b.hasLastFailure {
		return true
	}
	return time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout
}

func (b *Breaker) recordFailureLocked() {
	b.failureCount++
	b.lastFailure = time.Now()
	b.hasLastFailure = true

	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = Open
		b.logger.Warn().Int("failure_count", b.failureCount).Msg("opened after consecutive failures")
	} else if b.state == HalfOpen {
		b.state = Open
		b.logger.Warn().Msg("returned to open after failure in half_open")
	}
}

func (b *Breaker) resetLocked() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.hasLastFailure = false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// IdleSince reports how long the breaker has gone unused.
func (b *Breaker) IdleSince() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastUsed)
}
