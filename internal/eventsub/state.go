package eventsub

import (
	"sync"
	"time"
)

// ConnectionState mirrors the connector's socket lifecycle, distinct
// from the Session Engine's broader state machine (§4.10).
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const healthyActivityWindow = 60 * time.Second

// StateManager tracks connection state, the current EventSub session
// id, and activity recency, independent of the transport itself.
type StateManager struct {
	mu               sync.RWMutex
	connector        *Connector
	state            ConnectionState
	sessionID        string
	pendingChallenge string
	lastActivity     time.Time
}

func NewStateManager(connector *Connector) *StateManager {
	return &StateManager{
		connector:    connector,
		state:        Disconnected,
		lastActivity: time.Now(),
	}
}

func (m *StateManager) SetState(s ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *StateManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *StateManager) SetSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
}

func (m *StateManager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

func (m *StateManager) SetPendingChallenge(challenge string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingChallenge = challenge
}

func (m *StateManager) PendingChallenge() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingChallenge
}

func (m *StateManager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

func (m *StateManager) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// IsConnected reports whether the underlying socket is open.
func (m *StateManager) IsConnected() bool {
	return m.connector.currentConn() != nil
}

// IsHealthy ⇔ open ∧ state=CONNECTED ∧ sessionId set ∧ recent activity,
// per §4.8.
func (m *StateManager) IsHealthy() bool {
	if !m.IsConnected() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Connected {
		return false
	}
	if m.sessionID == "" {
		return false
	}
	return time.Since(m.lastActivity) <= healthyActivityWindow
}
