package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeEngine struct {
	healthy       atomic.Bool
	hasBackend    atomic.Bool
	reconnectErr  error
	reconnectCalls atomic.Int32
	healAfterReconnect bool
}

func newFakeEngine(healthy, hasBackend bool) *fakeEngine {
	e := &fakeEngine{}
	e.healthy.Store(healthy)
	e.hasBackend.Store(hasBackend)
	return e
}

func (e *fakeEngine) IsHealthy() bool   { return e.healthy.Load() }
func (e *fakeEngine) HasBackend() bool  { return e.hasBackend.Load() }
func (e *fakeEngine) ForceReconnect(ctx context.Context) error {
	e.reconnectCalls.Add(1)
	if e.reconnectErr != nil {
		return e.reconnectErr
	}
	if e.healAfterReconnect {
		e.healthy.Store(true)
		e.hasBackend.Store(true)
	}
	return nil
}

func (e *fakeEngine) HealthFields() map[string]any {
	return map[string]any{"connected": e.hasBackend.Load()}
}

func TestSupervisor_ProbeOnceReconnectsUnhealthySession(t *testing.T) {
	s := New(time.Minute, zerolog.Nop())
	engine := newFakeEngine(false, true)
	engine.healAfterReconnect = true
	s.Register("bot1", engine)

	s.probeOnce(context.Background())

	assert.EqualValues(t, 1, engine.reconnectCalls.Load())
	assert.True(t, engine.IsHealthy())
}

func TestSupervisor_HealthySessionIsNeverReconnected(t *testing.T) {
	s := New(time.Minute, zerolog.Nop())
	engine := newFakeEngine(true, true)
	s.Register("bot1", engine)

	s.probeOnce(context.Background())

	assert.EqualValues(t, 0, engine.reconnectCalls.Load())
}

func TestSupervisor_HealedBeforeReconnectShortCircuits(t *testing.T) {
	s := New(time.Minute, zerolog.Nop())
	engine := newFakeEngine(false, true)
	ms := &managedSession{name: "bot1", engine: engine}

	engine.healthy.Store(true) // heals itself between detection and reconnect
	s.reconnectSession(context.Background(), ms)

	assert.EqualValues(t, 0, engine.reconnectCalls.Load())
}

func TestSupervisor_ForceReconnectErrorIsHandled(t *testing.T) {
	s := New(time.Minute, zerolog.Nop())
	engine := newFakeEngine(false, false)
	engine.reconnectErr = assertError{}
	ms := &managedSession{name: "bot1", engine: engine}

	s.reconnectSession(context.Background(), ms)
	assert.EqualValues(t, 1, engine.reconnectCalls.Load())
}

func TestSupervisor_RegisterUnregister(t *testing.T) {
	s := New(time.Minute, zerolog.Nop())
	engine := newFakeEngine(true, true)
	s.Register("bot1", engine)
	s.Unregister("bot1")

	s.probeOnce(context.Background())
	assert.EqualValues(t, 0, engine.reconnectCalls.Load())
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	s := New(time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()
	s.Stop()
	s.Stop()
}

type assertError struct{}

func (assertError) Error() string { return "forced reconnect failure" }
