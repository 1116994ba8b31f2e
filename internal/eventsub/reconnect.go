package eventsub

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/breaker"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/metrics"
)

const breakerName = "websocket_connection"

// Reconnector performs single-shot reconnect attempts with exponential
// backoff and jitter, guarded by the shared "websocket_connection"
// circuit breaker so repeated Twitch-side outages stop hammering the
// dialer.
type Reconnector struct {
	connector   *Connector
	breakers    *breaker.Registry
	breakerCfg  breaker.Config
	maxBackoff  time.Duration
	backoff     time.Duration
	logger      zerolog.Logger
}

func NewReconnector(connector *Connector, breakers *breaker.Registry, breakerCfg breaker.Config, maxBackoff time.Duration, logger zerolog.Logger) *Reconnector {
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Reconnector{
		connector:  connector,
		breakers:   breakers,
		breakerCfg: breakerCfg,
		maxBackoff: maxBackoff,
		backoff:    time.Second,
		logger:     logger.With().Str("component", "eventsub_reconnector").Logger(),
	}
}

// Attempt performs one reconnect try through the circuit breaker. A
// false, nil return means the breaker is OPEN and the caller should
// retry later rather than treating this as a hard failure.
func (r *Reconnector) Attempt(ctx context.Context) (bool, error) {
	cb := r.breakers.Get(breakerName, r.breakerCfg)

	var dialErr error
	err := cb.Call(ctx, func(ctx context.Context) error {
		r.connector.Disconnect()
		_, err := r.connector.Connect(ctx)
		dialErr = err
		return err
	})

	metrics.SetBreakerState(breakerName, cb.State().String())

	if errors.Is(err, breaker.ErrOpen) {
		metrics.BreakerRejections.WithLabelValues(breakerName).Inc()
		r.logger.Info().Msg("circuit breaker open, cannot reconnect")
		return false, nil
	}
	if err != nil {
		metrics.SessionReconnects.WithLabelValues(r.connector.clientID, "failure").Inc()
		r.logger.Error().Err(err).Msg("reconnect failed")
		return false, dialErr
	}

	metrics.SessionReconnects.WithLabelValues(r.connector.clientID, "success").Inc()
	r.logger.Info().Msg("reconnect successful")
	r.backoff = time.Second
	return true, nil
}

// NextBackoff returns the jittered delay to sleep before the next
// Attempt, doubling the stored backoff up to maxBackoff.
func (r *Reconnector) NextBackoff() time.Duration {
	delay := jitter(r.backoff*7/10, r.backoff*13/10)
	r.backoff *= 2
	if r.backoff > r.maxBackoff {
		r.backoff = r.maxBackoff
	}
	return delay
}

// Reset restores the backoff to its initial value. A successful Attempt
// does the same on its own.
func (r *Reconnector) Reset() {
	r.backoff = time.Second
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(randFraction()*float64(span))
}

func randFraction() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}
