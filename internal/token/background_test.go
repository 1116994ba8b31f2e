package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHealth(t *testing.T) {
	cases := []struct {
		name      string
		remaining time.Duration
		hasExpiry bool
		aged      bool
		drift     time.Duration
		threshold time.Duration
		want      health
	}{
		{"freshly unknown expiry is degraded, not critical", 0, false, false, 0, time.Hour, healthDegraded},
		{"unknown expiry aged past forced-attempt budget is critical", 0, false, true, 0, time.Hour, healthCritical},
		{"non-positive remaining is critical", -time.Second, true, false, 0, time.Hour, healthCritical},
		{"low remaining with high drift is critical", 200 * time.Second, true, false, 90 * time.Second, time.Hour, healthCritical},
		{"under threshold with drift is degraded", 1800 * time.Second, true, false, 45 * time.Second, time.Hour, healthDegraded},
		{"plenty remaining is healthy", 5000 * time.Second, true, false, 10 * time.Second, time.Hour, healthHealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyHealth(tc.remaining, tc.hasExpiry, tc.aged, tc.drift, tc.threshold)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDriftCompensatedThreshold(t *testing.T) {
	m := &Manager{refreshThreshold: 3600 * time.Second}

	// Drift compensation capped at 0.3 * threshold.
	got := m.driftCompensatedThreshold(10000*time.Second, false)
	assert.Equal(t, 3600*time.Second-time.Duration(0.3*float64(3600*time.Second)), got)

	// Small drift compensates linearly.
	got = m.driftCompensatedThreshold(100*time.Second, false)
	assert.Equal(t, 3600*time.Second-50*time.Second, got)

	// Proactive mode multiplies by 1.5.
	got = m.driftCompensatedThreshold(0, true)
	assert.Equal(t, time.Duration(1.5*float64(3600*time.Second)), got)
}

func TestBackgroundLoop_StartStopIsIdempotent(t *testing.T) {
	m := testManager(t, nil)
	m.Start()
	m.Start() // must cancel the prior loop rather than leak it
	m.Stop()
	m.Stop() // no-op on an already-stopped manager
}
