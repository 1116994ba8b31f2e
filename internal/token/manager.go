package token

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/metrics"
)

// credKey identifies a cached Client by its application credentials.
type credKey struct {
	clientID     string
	clientSecret string
}

// Manager owns the full set of per-user token records. It is built via
// dependency injection (not a module-level singleton, per the
// re-architecture note) so tests can construct isolated instances.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record

	clientsMu sync.Mutex
	clients   map[credKey]*Client
	httpClient *http.Client

	updateHooksMu      sync.Mutex
	updateHooks        map[string][]UpdateHook
	invalidationHooksMu sync.Mutex
	invalidationHooks  map[string][]InvalidationHook
	tasks              *taskGroup

	refreshThreshold      time.Duration
	safetyBuffer          time.Duration
	validationMinInterval time.Duration
	bgBaseSleep           time.Duration
	periodicValidation    time.Duration

	logger zerolog.Logger

	bgMu     sync.Mutex
	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// Config groups the timing parameters the Manager and its Clients need,
// mirroring the environment variables of §6.
type Config struct {
	RefreshThreshold      time.Duration
	SafetyBuffer          time.Duration
	ValidationMinInterval time.Duration
	BackgroundBaseSleep   time.Duration
	PeriodicValidation    time.Duration
}

// NewManager constructs an empty Manager.
func NewManager(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Manager {
	log := logger.With().Str("component", "token_manager").Logger()
	return &Manager{
		records:               make(map[string]*Record),
		clients:                make(map[credKey]*Client),
		httpClient:             httpClient,
		updateHooks:            make(map[string][]UpdateHook),
		invalidationHooks:      make(map[string][]InvalidationHook),
		tasks:                  newTaskGroup(log),
		refreshThreshold:       cfg.RefreshThreshold,
		safetyBuffer:           cfg.SafetyBuffer,
		validationMinInterval:  cfg.ValidationMinInterval,
		bgBaseSleep:            cfg.BackgroundBaseSleep,
		periodicValidation:     cfg.PeriodicValidation,
		logger:                 log,
	}
}

// Upsert inserts or updates a user's token record.
func (m *Manager) Upsert(username, access, refresh, clientID, clientSecret string, expiry time.Time) {
	username = normalizeUsername(username)

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.records[username]
	if !exists {
		r = &Record{Username: username}
		m.records[username] = r
	}
	r.AccessToken = access
	r.RefreshToken = refresh
	r.ClientID = clientID
	r.ClientSecret = clientSecret
	r.Expiry = expiry
	r.State = Fresh
	if !expiry.IsZero() && r.OriginalLifetime == 0 {
		r.OriginalLifetime = time.Until(expiry)
	}
}

// Remove deletes a single user's record.
func (m *Manager) Remove(username string) {
	username = normalizeUsername(username)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, username)
}

// Prune removes every record whose username is not in activeUsers,
// returning the count removed.
func (m *Manager) Prune(activeUsers map[string]struct{}) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for username := range m.records {
		if _, ok := activeUsers[username]; !ok {
			delete(m.records, username)
			removed++
		}
	}
	return removed
}

// Pause excludes username from background-loop processing without
// discarding its record.
func (m *Manager) Pause(username string) {
	username = normalizeUsername(username)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[username]; ok {
		r.Paused = true
	}
}

// Resume re-includes username in background-loop processing.
func (m *Manager) Resume(username string) {
	username = normalizeUsername(username)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[username]; ok {
		r.Paused = false
	}
}

// RegisterUpdateHook adds a hook fired after a successful token change.
func (m *Manager) RegisterUpdateHook(username string, hook UpdateHook) {
	username = normalizeUsername(username)
	m.updateHooksMu.Lock()
	defer m.updateHooksMu.Unlock()
	m.updateHooks[username] = append(m.updateHooks[username], hook)
}

// RegisterInvalidationHook adds a hook fired when a record becomes EXPIRED.
func (m *Manager) RegisterInvalidationHook(username string, hook InvalidationHook) {
	username = normalizeUsername(username)
	m.invalidationHooksMu.Lock()
	defer m.invalidationHooksMu.Unlock()
	m.invalidationHooks[username] = append(m.invalidationHooks[username], hook)
}

func (m *Manager) getRecord(username string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[username]
	return r, ok
}

func (m *Manager) clientFor(r *Record) *Client {
	key := credKey{clientID: r.ClientID, clientSecret: r.ClientSecret}

	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c
	}
	c := NewClient(r.ClientID, r.ClientSecret, m.httpClient, m.refreshThreshold, m.safetyBuffer, m.logger)
	m.clients[key] = c
	return c
}

// EnsureFresh validates/refreshes username's token as needed, serialized
// per-user by the record's refresh mutex, and returns the coarse outcome.
func (m *Manager) EnsureFresh(ctx context.Context, username string, forceRefresh bool) Outcome {
	username = normalizeUsername(username)
	r, ok := m.getRecord(username)
	if !ok {
		return Failed
	}

	if !forceRefresh {
		m.mu.RLock()
		remaining := r.Remaining()
		hasExpiry := !r.Expiry.IsZero()
		m.mu.RUnlock()
		if hasExpiry && remaining > m.refreshThreshold {
			return Valid
		}
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	client := m.clientFor(r)

	m.mu.RLock()
	access, refresh, expiry := r.AccessToken, r.RefreshToken, r.Expiry
	m.mu.RUnlock()

	result := client.EnsureFresh(ctx, username, access, refresh, expiry, forceRefresh)
	m.applyResult(username, r, result)
	return result.Outcome
}

// Validate performs a rate-limited remote validation of username's token.
func (m *Manager) Validate(ctx context.Context, username string) Outcome {
	username = normalizeUsername(username)
	r, ok := m.getRecord(username)
	if !ok {
		return Failed
	}

	m.mu.RLock()
	sinceLast := time.Since(r.LastValidation)
	access := r.AccessToken
	m.mu.RUnlock()
	if r.LastValidation.IsZero() == false && sinceLast < m.validationMinInterval {
		return Valid
	}

	client := m.clientFor(r)
	result := client.Validate(ctx, username, access)

	m.mu.Lock()
	r.LastValidation = time.Now()
	if result.Outcome == Valid {
		r.State = Fresh
		if !result.Expiry.IsZero() {
			r.Expiry = result.Expiry
		}
	}
	m.mu.Unlock()

	return result.Outcome
}

// applyResult mutates r according to the outcome-application rules of
// §4.5 and schedules hooks outside the record lock to avoid
// hook-to-manager re-entrancy deadlocks.
func (m *Manager) applyResult(username string, r *Record, result Result) {
	var changed bool
	var snap Snapshot
	var nonRecoverable bool

	m.mu.Lock()
	switch result.Outcome {
	case Valid, Skipped:
		r.State = Fresh
		if !result.Expiry.IsZero() {
			r.Expiry = result.Expiry
		}
	case Refreshed:
		changed = result.AccessToken != r.AccessToken || (result.RefreshToken != "" && result.RefreshToken != r.RefreshToken)
		r.AccessToken = result.AccessToken
		if result.RefreshToken != "" {
			r.RefreshToken = result.RefreshToken
		}
		if !result.Expiry.IsZero() {
			r.Expiry = result.Expiry
			r.OriginalLifetime = time.Until(result.Expiry)
		}
		r.State = Fresh
		snap = r.snapshot()
	case Failed:
		if result.Err != nil && result.Err.Kind == NonRecoverable {
			r.State = Expired
			nonRecoverable = true
		}
		// Recoverable failures leave the record unchanged for retry next loop.
	}
	hasExpiry := !r.Expiry.IsZero()
	remaining := r.Remaining()
	m.mu.Unlock()

	metrics.TokenRefreshTotal.WithLabelValues(username, result.Outcome.String()).Inc()
	if hasExpiry {
		metrics.TokenExpirySeconds.WithLabelValues(username).Set(remaining.Seconds())
	}

	if result.Outcome == Refreshed && changed {
		m.fireUpdateHooks(username, snap)
	}
	if nonRecoverable {
		m.fireInvalidationHooks(username)
	}
}

func (m *Manager) fireUpdateHooks(username string, snap Snapshot) {
	m.updateHooksMu.Lock()
	hooks := append([]UpdateHook(nil), m.updateHooks[username]...)
	m.updateHooksMu.Unlock()

	for _, hook := range hooks {
		h := hook
		m.tasks.Go(func() { h(snap) })
	}
}

func (m *Manager) fireInvalidationHooks(username string) {
	m.invalidationHooksMu.Lock()
	hooks := append([]InvalidationHook(nil), m.invalidationHooks[username]...)
	m.invalidationHooksMu.Unlock()

	for _, hook := range hooks {
		h := hook
		m.tasks.Go(func() { h(username) })
	}
}

func normalizeUsername(username string) string {
	out := make([]byte, 0, len(username))
	for i := 0; i < len(username); i++ {
		c := username[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
