package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, httpClient *http.Client) *Manager {
	t.Helper()
	cfg := Config{
		RefreshThreshold:      3600 * time.Second,
		SafetyBuffer:          300 * time.Second,
		ValidationMinInterval: 30 * time.Second,
		BackgroundBaseSleep:   60 * time.Second,
		PeriodicValidation:    1800 * time.Second,
	}
	return NewManager(cfg, httpClient, zerolog.Nop())
}

// redirectTransport sends every request to target, keeping its path and
// query, so the fixed OAuth URLs in client.go reach the test server.
type redirectTransport struct{ target *url.URL }

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func redirectClient(t *testing.T, server *httptest.Server) *http.Client {
	t.Helper()
	target, err := url.Parse(server.URL)
	require.NoError(t, err)
	return &http.Client{Transport: redirectTransport{target: target}}
}

// S1: token far from expiry, EnsureFresh(force=false) returns Valid
// without making any HTTP call.
func TestEnsureFresh_SkipsWhenFarFromExpiry(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := testManager(t, redirectClient(t, server))
	m.Upsert("viewer1", "access", "refresh", "cid", "secret", time.Now().Add(2*time.Hour))

	outcome := m.EnsureFresh(context.Background(), "viewer1", false)
	assert.Equal(t, Valid, outcome)
	assert.False(t, called)
}

// S2: token expiring soon triggers a proactive refresh, REFRESHED, and
// fires the update hook exactly once.
func TestEnsureFresh_ProactiveRefreshFiresUpdateHookOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/oauth2/validate" {
			// still valid, but with 30 minutes left, under the 1h threshold
			_, _ = w.Write([]byte(`{"scopes":[],"expires_in":1800}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":14400}`))
	}))
	defer server.Close()

	m := testManager(t, redirectClient(t, server))
	m.Upsert("viewer2", "old-access", "old-refresh", "cid", "secret", time.Now().Add(30*time.Minute))

	var hookCalls int32
	var wg sync.WaitGroup
	wg.Add(1)
	m.RegisterUpdateHook("viewer2", func(s Snapshot) {
		atomic.AddInt32(&hookCalls, 1)
		wg.Done()
	})

	outcome := m.EnsureFresh(context.Background(), "viewer2", false)
	assert.Equal(t, Refreshed, outcome)

	waitTimeout(t, &wg, time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hookCalls))
}

// Invariant 1: at no instant are two refreshes concurrently in flight
// for the same user.
func TestEnsureFresh_SerializesConcurrentRefreshes(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		if n > atomic.LoadInt32(&maxInFlight) {
			atomic.StoreInt32(&maxInFlight, n)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","expires_in":14400}`))
	}))
	defer server.Close()

	m := testManager(t, redirectClient(t, server))
	m.Upsert("viewer3", "old-access", "old-refresh", "cid", "secret", time.Now().Add(1*time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EnsureFresh(context.Background(), "viewer3", true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), 1)
}

func TestRefresh_401IsNonRecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	m := testManager(t, redirectClient(t, server))
	m.Upsert("viewer4", "old-access", "old-refresh", "cid", "secret", time.Now().Add(1*time.Minute))

	var invalidated int32
	var wg sync.WaitGroup
	wg.Add(1)
	m.RegisterInvalidationHook("viewer4", func(username string) {
		atomic.AddInt32(&invalidated, 1)
		wg.Done()
	})

	outcome := m.EnsureFresh(context.Background(), "viewer4", true)
	assert.Equal(t, Failed, outcome)

	waitTimeout(t, &wg, time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&invalidated))

	r, ok := m.getRecord("viewer4")
	require.True(t, ok)
	assert.Equal(t, Expired, r.State)
}

func TestPruneRemovesInactiveUsers(t *testing.T) {
	m := testManager(t, nil)
	m.Upsert("keep", "a", "r", "c", "s", time.Now().Add(time.Hour))
	m.Upsert("drop", "a", "r", "c", "s", time.Now().Add(time.Hour))

	removed := m.Prune(map[string]struct{}{"keep": {}})
	assert.Equal(t, 1, removed)

	_, ok := m.getRecord("drop")
	assert.False(t, ok)
	_, ok = m.getRecord("keep")
	assert.True(t, ok)
}

func TestPauseResumeTogglesPausedFlag(t *testing.T) {
	m := testManager(t, nil)
	m.Upsert("paused", "a", "r", "c", "s", time.Now().Add(2*time.Hour))
	m.Pause("paused")

	r, ok := m.getRecord("paused")
	require.True(t, ok)
	assert.True(t, r.Paused)

	m.Resume("paused")
	r, _ = m.getRecord("paused")
	assert.False(t, r.Paused)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for hook")
	}
}
