// Package supervisor runs the fixed-interval health probe over a set
// of running EventSub sessions and drives unhealthy ones through the
// staged reconnect procedure, one at a time.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/metrics"
)

// Engine is the subset of eventsub.Session the Supervisor depends on.
// Defined locally (rather than importing eventsub) to keep the
// dependency direction supervisor → eventsub, not the reverse.
type Engine interface {
	IsHealthy() bool
	HasBackend() bool
	ForceReconnect(ctx context.Context) error
}

// Diagnosable is implemented by engines that can describe themselves
// on an unhealthy finding; unhealthy logging falls back to the bare
// session name when an engine does not implement it.
type Diagnosable interface {
	HealthFields() map[string]any
}

type managedSession struct {
	name   string
	engine Engine

	reconnectMu sync.Mutex
}

// Supervisor periodically probes every registered session's health
// and reconnects unhealthy ones under a per-session mutex so two
// probe cycles never race on the same session.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*managedSession

	probeInterval time.Duration
	logger        zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

func New(probeInterval time.Duration, logger zerolog.Logger) *Supervisor {
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	return &Supervisor{
		sessions:      make(map[string]*managedSession),
		probeInterval: probeInterval,
		logger:        logger.With().Str("component", "supervisor").Logger(),
		stop:          make(chan struct{}),
	}
}

// Register adds a session under name for health probing.
func (s *Supervisor) Register(name string, engine Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = &managedSession{name: name, engine: engine}
}

// Unregister removes a session from health probing.
func (s *Supervisor) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
}

// Run starts the probe loop; it blocks until ctx is cancelled or Stop
// is called.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer close(done)

	for {
		delay := jitteredInterval(s.probeInterval)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.probeOnce(ctx)
	}
}

// Stop requests the probe loop to exit and waits for it to do so.
// A no-op if Run was never started.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Supervisor) probeOnce(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*managedSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		sessions = append(sessions, ms)
	}
	s.mu.Unlock()

	metrics.SupervisorProbesTotal.Inc()

	res := sampleResources(s.logger)
	metrics.ProcessRSSBytes.Set(float64(res.RSSBytes))
	metrics.ProcessOpenFDs.Set(float64(res.OpenFDs))
	metrics.ProcessGoroutines.Set(float64(res.Goroutines))

	for _, ms := range sessions {
		if isUnhealthy(ms.engine) {
			metrics.SupervisorUnhealthyTotal.WithLabelValues(ms.name).Inc()
			event := s.logger.Warn().Str("session", ms.name)
			if d, ok := ms.engine.(Diagnosable); ok {
				for k, v := range d.HealthFields() {
					event = event.Interface(k, v)
				}
			}
			event.Msg("unhealthy session detected")
			s.reconnectSession(ctx, ms)
		}
	}
}

func isUnhealthy(e Engine) bool {
	return !e.HasBackend() || !e.IsHealthy()
}

// reconnectSession runs the staged reconnect procedure of §4.11 under
// the session's dedicated mutex: short-circuit if it healed itself,
// then force a reconnect and poll for health for up to ~3s.
func (s *Supervisor) reconnectSession(ctx context.Context, ms *managedSession) {
	ms.reconnectMu.Lock()
	defer ms.reconnectMu.Unlock()

	if !isUnhealthy(ms.engine) {
		s.logger.Info().Str("session", ms.name).Msg("session became healthy before reconnect attempt")
		return
	}

	if err := ms.engine.ForceReconnect(ctx); err != nil {
		metrics.SupervisorReconnectsTotal.WithLabelValues(ms.name, "failure").Inc()
		s.logger.Error().Err(err).Str("session", ms.name).Msg("force reconnect failed")
		return
	}

	if s.waitForHealth(ms.engine, 30, 100*time.Millisecond) {
		metrics.SupervisorReconnectsTotal.WithLabelValues(ms.name, "success").Inc()
		s.logger.Info().Str("session", ms.name).Msg("session healthy after reconnect")
		return
	}
	metrics.SupervisorReconnectsTotal.WithLabelValues(ms.name, "failure").Inc()
	s.logger.Error().Str("session", ms.name).Msg("reconnect attempt failed, session still unhealthy")
}

// waitForHealth polls e.IsHealthy() up to attempts times, sleeping
// interval between polls — a bounded ~attempts*interval wait.
func (s *Supervisor) waitForHealth(e Engine, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if !isUnhealthy(e) {
			return true
		}
		time.Sleep(interval)
	}
	return !isUnhealthy(e)
}

func jitteredInterval(base time.Duration) time.Duration {
	factor := 0.8 + 0.4*randFraction()
	return time.Duration(float64(base) * factor)
}

func randFraction() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}

// ErrNotRegistered is returned when a caller references an unknown
// session name.
type ErrNotRegistered struct{ Name string }

func (e *ErrNotRegistered) Error() string { return fmt.Sprintf("session %q not registered", e.Name) }
