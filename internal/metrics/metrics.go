// Package metrics exposes the runtime's Prometheus metrics: rate
// limiter pressure, circuit breaker state, token lifecycle, session
// engine state, and the health supervisor's reconnect activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rate limiter (C2)
	RateLimiterWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventsubd_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limiter permit",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"bucket"})

	RateLimiterBudgetRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventsubd_ratelimit_budget_remaining",
		Help: "Remaining token budget observed from the last Twitch rate limit header",
	}, []string{"bucket"})

	RateLimiterThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_ratelimit_throttled_total",
		Help: "Number of calls that had to wait for a rate limiter permit",
	}, []string{"bucket"})

	// Circuit breaker (C3)
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventsubd_breaker_state",
		Help: "Current circuit breaker state: 0=closed, 1=open, 2=half_open",
	}, []string{"name"})

	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_breaker_transitions_total",
		Help: "Total circuit breaker state transitions",
	}, []string{"name", "to"})

	BreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_breaker_rejections_total",
		Help: "Total calls rejected by an open circuit breaker",
	}, []string{"name"})

	// Token lifecycle (C4/C5)
	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_token_refresh_total",
		Help: "Total token refresh attempts by outcome",
	}, []string{"username", "outcome"})

	TokenExpirySeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventsubd_token_expiry_seconds",
		Help: "Seconds remaining until the current access token expires",
	}, []string{"username"})

	// Session engine (C8/C9/C10)
	SessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventsubd_session_state",
		Help: "Current session engine state, one gauge value per named state",
	}, []string{"username", "state"})

	SessionReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_session_reconnects_total",
		Help: "Total reconnect attempts by outcome",
	}, []string{"username", "outcome"})

	SubscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventsubd_subscriptions_active",
		Help: "Currently active channel.chat.message subscriptions",
	}, []string{"username"})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_messages_received_total",
		Help: "Total chat notifications dispatched to handlers",
	}, []string{"username"})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_messages_dropped_total",
		Help: "Total notifications dropped for missing required fields or wrong type",
	}, []string{"username"})

	// Health supervisor (C11)
	SupervisorProbesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventsubd_supervisor_probes_total",
		Help: "Total health probe cycles run by the supervisor",
	})

	SupervisorUnhealthyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_supervisor_unhealthy_total",
		Help: "Total sessions observed unhealthy by the supervisor",
	}, []string{"session"})

	SupervisorReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsubd_supervisor_reconnects_total",
		Help: "Total forced reconnects driven by the supervisor, by outcome",
	}, []string{"session", "outcome"})

	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventsubd_process_rss_bytes",
		Help: "Resident set size of this process, sampled by the supervisor",
	})

	ProcessOpenFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventsubd_process_open_fds",
		Help: "Open file descriptors of this process, sampled by the supervisor",
	})

	ProcessGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventsubd_process_goroutines",
		Help: "Live goroutine count, sampled by the supervisor",
	})
)

func init() {
	prometheus.MustRegister(
		RateLimiterWaitSeconds,
		RateLimiterBudgetRemaining,
		RateLimiterThrottled,
		BreakerState,
		BreakerTransitions,
		BreakerRejections,
		TokenRefreshTotal,
		TokenExpirySeconds,
		SessionState,
		SessionReconnects,
		SubscriptionsActive,
		MessagesReceived,
		MessagesDropped,
		SupervisorProbesTotal,
		SupervisorUnhealthyTotal,
		SupervisorReconnectsTotal,
		ProcessRSSBytes,
		ProcessOpenFDs,
		ProcessGoroutines,
	)
}

// Handler serves the Prometheus exposition format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// breakerStateValue maps a breaker state name to the numeric gauge
// value Grafana dashboards expect.
func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// SetBreakerState records name's current state as a gauge value.
func SetBreakerState(name, state string) {
	BreakerState.WithLabelValues(name).Set(breakerStateValue(state))
}

// sessionStateValue maps a session engine state name to 1 (active) so
// exactly one state gauge per username is non-zero at a time.
func sessionStateValue(current, candidate string) float64 {
	if current == candidate {
		return 1
	}
	return 0
}

// allSessionStates lists every state SetSessionState must zero out
// when moving a session to a new one.
var allSessionStates = []string{
	"init", "validating_token", "connecting", "handshaking",
	"resolving_channels", "subscribing", "listening", "reconnecting", "stopped",
}

// SetSessionState flips username's state gauge to current, zeroing
// every other known state so exactly one is active at a time.
func SetSessionState(username, current string) {
	for _, st := range allSessionStates {
		SessionState.WithLabelValues(username, st).Set(sessionStateValue(current, st))
	}
}
