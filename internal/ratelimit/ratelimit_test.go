package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLimiter_UnknownBucketProbesOnce(t *testing.T) {
	l := New(zerolog.Nop())
	key := Key{ClientID: "c1", Subject: "app"}

	start := time.Now()
	l.WaitIfNeeded(key, 1)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, probeDelay)
}

func TestLimiter_PredictiveDecrementIsMonotonic(t *testing.T) {
	l := New(zerolog.Nop())
	key := Key{ClientID: "c1", Subject: "user:42"}

	l.UpdateFromHeaders(key, map[string][]string{
		"Ratelimit-Limit":     {"800"},
		"Ratelimit-Remaining": {"100"},
		"Ratelimit-Reset":     {unixStr(time.Now().Add(30 * time.Second))},
	})

	l.mu.Lock()
	before := l.buckets[key].remaining
	l.mu.Unlock()

	l.WaitIfNeeded(key, 5)

	l.mu.Lock()
	after := l.buckets[key].remaining
	l.mu.Unlock()

	assert.LessOrEqual(t, after, before)
}

func TestLimiter_Handle429ForcesEmpty(t *testing.T) {
	l := New(zerolog.Nop())
	key := Key{ClientID: "c1", Subject: "app"}

	l.Handle429(key, map[string][]string{
		"ratelimit-reset": {unixStr(time.Now().Add(time.Minute))},
	})

	l.mu.Lock()
	remaining := l.buckets[key].remaining
	l.mu.Unlock()

	assert.Equal(t, 0, remaining)
}

func unixStr(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
