package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is a named global breaker registry. Getting a breaker by name
// returns the same instance on every call, creating it with the config
// passed to the first Get for that name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   zerolog.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// Get returns the breaker named name, creating it with cfg if absent.
// cfg.Name is overwritten with name.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg.Name = name
	b := New(cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Remove deletes a breaker from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// EvictIdle removes breakers that have not been used for longer than ttl,
// returning the number removed.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, b := range r.breakers {
		if b.IdleSince() > ttl {
			delete(r.breakers, name)
			removed++
			r.logger.Info().Str("breaker", name).Msg("evicted idle circuit breaker")
		}
	}
	return removed
}

// RunIdleEviction evicts idle breakers every interval, blocking in the
// calling goroutine until stop is closed.
func (r *Registry) RunIdleEviction(stop <-chan struct{}, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.EvictIdle(ttl)
		case <-stop:
			return
		}
	}
}
