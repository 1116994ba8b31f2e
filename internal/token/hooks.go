package token

import (
	"sync"

	"github.com/rs/zerolog"
)

// UpdateHook is invoked after a record's tokens actually change.
type UpdateHook func(Snapshot)

// InvalidationHook is invoked when a record becomes NON_RECOVERABLE.
type InvalidationHook func(username string)

// taskGroup is an unbounded group of detached-but-tracked goroutines: hooks
// run fire-and-forget from the caller's point of view, but the group
// retains a handle to each until it completes so it is never garbage
// collected mid-flight, and panics/errors are logged rather than
// propagated.
type taskGroup struct {
	mu     sync.Mutex
	tasks  map[int]struct{}
	nextID int
	logger zerolog.Logger
}

func newTaskGroup(logger zerolog.Logger) *taskGroup {
	return &taskGroup{tasks: make(map[int]struct{}), logger: logger}
}

// Go launches fn in its own goroutine, retaining a handle until it
// returns or panics.
func (g *taskGroup) Go(fn func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.tasks[id] = struct{}{}
	g.mu.Unlock()

	go func() {
		defer g.remove(id)
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Interface("panic", r).Msg("hook task panicked")
			}
		}()
		fn()
	}()
}

func (g *taskGroup) remove(id int) {
	g.mu.Lock()
	delete(g.tasks, id)
	g.mu.Unlock()
}

// InFlight returns the number of hook tasks currently running, mostly
// useful for tests and diagnostics.
func (g *taskGroup) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
