package token

import (
	"context"
	"math/rand"
	"time"
)

// health is the per-record classification driving the background loop's
// refresh decisions; a tagged variant rather than the bare strings the
// source used, per the re-architecture note on dynamic outcome strings.
type health int

const (
	healthHealthy health = iota
	healthDegraded
	healthCritical
)

// Start launches the drift-compensated background refresh loop. Any
// lingering prior loop is cancelled first, so Start is safe to call
// repeatedly; the most recent call wins.
func (m *Manager) Start() {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()

	if m.bgCancel != nil {
		m.bgCancel()
		<-m.bgDone
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.bgCancel = cancel
	m.bgDone = make(chan struct{})

	go m.runBackgroundLoop(ctx, m.bgDone)
}

// Stop cancels the background loop and waits for it to exit. Calling
// Stop when no loop is running is a no-op.
func (m *Manager) Stop() {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()

	if m.bgCancel == nil {
		return
	}
	m.bgCancel()
	<-m.bgDone
	m.bgCancel = nil
}

// runBackgroundLoop is the sole background-refresh implementation; the
// simpler, non-drift-compensated loop the source also contained is
// deliberately not ported (see project docs).
func (m *Manager) runBackgroundLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	baseSleep := m.baseSleep()
	var lastIterationStart time.Time
	var lastSleepDuration time.Duration
	driftStreak := 0

	for {
		iterationStart := time.Now()

		var drift time.Duration
		if !lastIterationStart.IsZero() {
			actualElapsed := iterationStart.Sub(lastIterationStart)
			drift = actualElapsed - lastSleepDuration
			if drift < 0 {
				drift = 0
			}
		}

		if drift > 3*baseSleep {
			driftStreak++
		} else {
			driftStreak = 0
		}

		m.processAllRecords(ctx, drift)

		sleep := time.Duration(float64(baseSleep) * (0.5 + rand.Float64()))
		if driftStreak >= 3 {
			corrected := baseSleep - time.Duration(0.5*float64(drift))
			floor := time.Duration(0.3 * float64(baseSleep))
			if corrected < floor {
				corrected = floor
			}
			sleep = corrected
			driftStreak = 0
		}

		lastIterationStart = iterationStart
		lastSleepDuration = sleep

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// baseSleep falls back to a sane default if the Manager was constructed
// with a zero Config (tests commonly do this deliberately).
func (m *Manager) baseSleep() time.Duration {
	if m.bgBaseSleep <= 0 {
		return 60 * time.Second
	}
	return m.bgBaseSleep
}

// processAllRecords runs the per-record health/refresh decision tree of
// §4.5 step 1-4 across every non-paused record. Per-user errors are
// caught and logged by processRecord itself and never stop the loop.
func (m *Manager) processAllRecords(ctx context.Context, drift time.Duration) {
	m.mu.RLock()
	usernames := make([]string, 0, len(m.records))
	for username, r := range m.records {
		if !r.Paused {
			usernames = append(usernames, username)
		}
	}
	m.mu.RUnlock()

	for _, username := range usernames {
		r, ok := m.getRecord(username)
		if !ok {
			continue
		}
		m.processRecord(ctx, r, drift)
	}
}

func (m *Manager) processRecord(ctx context.Context, r *Record, drift time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error().Str("user", r.Username).Interface("panic", rec).Msg("background loop panic recovered")
		}
	}()

	m.mu.RLock()
	remaining := r.Remaining()
	hasExpiry := !r.Expiry.IsZero()
	aged := r.ForcedUnknownAttempts >= 3
	m.mu.RUnlock()

	h := classifyHealth(remaining, hasExpiry, aged, drift, m.refreshThreshold)
	if h == healthCritical {
		m.logger.Warn().Str("user", r.Username).Dur("remaining", remaining).Dur("drift", drift).Bool("unknown_expiry_aged", !hasExpiry).Msg("critical token health, forcing refresh")
		m.EnsureFresh(ctx, r.Username, true)
		if !hasExpiry {
			m.mu.RLock()
			resolved := !r.Expiry.IsZero()
			m.mu.RUnlock()
			if resolved {
				m.resetForcedAttempts(r)
			}
		}
		return
	}

	if !hasExpiry {
		m.resolveUnknownExpiry(ctx, r)
		return
	}

	m.mu.RLock()
	sinceValidation := time.Since(r.LastValidation)
	hasValidated := !r.LastValidation.IsZero()
	m.mu.RUnlock()

	if m.periodicValidation > 0 && (!hasValidated || sinceValidation >= m.periodicValidation) {
		before := remaining
		outcome := m.Validate(ctx, r.Username)
		if outcome == Failed {
			m.logger.Warn().Str("user", r.Username).Dur("remaining_before", before).Msg("periodic validation failed, forcing refresh")
			m.EnsureFresh(ctx, r.Username, true)
		}
	}

	proactive := drift > 60*time.Second
	threshold := m.driftCompensatedThreshold(drift, proactive)

	m.mu.RLock()
	remaining = r.Remaining()
	m.mu.RUnlock()

	if remaining <= threshold {
		m.EnsureFresh(ctx, r.Username, true)
		return
	}

	if proactive && drift > 60*time.Second && remaining > m.refreshThreshold && remaining <= 2*m.refreshThreshold {
		m.EnsureFresh(ctx, r.Username, true)
	}
}

// classifyHealth implements the critical/degraded/healthy tagged variant
// of §4.5 step 1. An unknown expiry is critical only once it's aged past
// the unknown-expiry resolution sub-protocol's forced-attempt budget
// (tracked via ForcedUnknownAttempts); a freshly-unknown expiry is
// degraded so it runs that sub-protocol instead of forcing a refresh
// every single iteration.
func classifyHealth(remaining time.Duration, hasExpiry, aged bool, drift, refreshThreshold time.Duration) health {
	if !hasExpiry {
		if aged {
			return healthCritical
		}
		return healthDegraded
	}
	if remaining <= 0 || (remaining <= 300*time.Second && drift > 60*time.Second) {
		return healthCritical
	}
	if remaining <= refreshThreshold && drift > 30*time.Second {
		return healthDegraded
	}
	return healthHealthy
}

// driftCompensatedThreshold implements §4.5 step 4's threshold formula.
func (m *Manager) driftCompensatedThreshold(drift time.Duration, proactive bool) time.Duration {
	compensation := time.Duration(0.5 * float64(drift))
	capDur := time.Duration(0.3 * float64(m.refreshThreshold))
	if compensation > capDur {
		compensation = capDur
	}
	threshold := m.refreshThreshold - compensation
	if proactive {
		threshold = time.Duration(1.5 * float64(threshold))
	}
	return threshold
}

// resolveUnknownExpiry implements the unknown-expiry sub-protocol of
// §4.5 step 2: one unforced attempt, then up to three forced attempts
// with exponential backoff, resetting the attempt counter on success.
func (m *Manager) resolveUnknownExpiry(ctx context.Context, r *Record) {
	outcome := m.EnsureFresh(ctx, r.Username, false)

	m.mu.RLock()
	stillUnknown := r.Expiry.IsZero()
	m.mu.RUnlock()
	if !stillUnknown || outcome == Valid || outcome == Skipped {
		m.resetForcedAttempts(r)
		return
	}

	for attempt := 1; attempt <= 3; attempt++ {
		backoff := time.Duration(float64(m.baseSleep()) * float64(int(1)<<uint(attempt-1)))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.EnsureFresh(ctx, r.Username, true)

		m.mu.RLock()
		resolved := !r.Expiry.IsZero()
		m.mu.RUnlock()
		if resolved {
			m.resetForcedAttempts(r)
			return
		}
		m.incrementForcedAttempts(r)
	}
}

func (m *Manager) resetForcedAttempts(r *Record) {
	m.mu.Lock()
	r.ForcedUnknownAttempts = 0
	m.mu.Unlock()
}

func (m *Manager) incrementForcedAttempts(r *Record) {
	m.mu.Lock()
	r.ForcedUnknownAttempts++
	m.mu.Unlock()
}
