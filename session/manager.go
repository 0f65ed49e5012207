package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/openuds/tunnelbroker/internal/metrics"
	"github.com/openuds/tunnelbroker/ticket"
)

// MaxEquivEntries bounds the manager's equivalent-id table. Exceeding it
// on CreateEquivSession is an error, not a silent drop.
const MaxEquivEntries = 32

// EquivSessionMaxAge is how long an equivs entry survives before it is
// eligible for lazy reaping.
const EquivSessionMaxAge = 4 * time.Second

// CleanupInterval bounds how often the lazy equivs reaper actually runs,
// regardless of how many calls invoke it.
const CleanupInterval = 16 * time.Second

type equivEntry struct {
	target    ticket.SessionId
	createdAt time.Time
}

// Manager holds every live session and the rotating table of equivalent
// recovery ids that resolve to them.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[ticket.SessionId]*Session
	equivs      map[ticket.SessionId]equivEntry
	lastCleanup time.Time
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[ticket.SessionId]*Session),
		equivs:   make(map[ticket.SessionId]equivEntry),
	}
}

// AddSession inserts s under its own ID, also registering its ID as its
// own initial equivalent entry, and arranges for the session to be
// removed automatically once it fires its Stop trigger.
func (m *Manager) AddSession(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.equivs[s.ID] = equivEntry{target: s.ID, createdAt: time.Now()}
	m.maybeCleanupEquivsLocked()
	m.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()

	go func() {
		<-s.Stop.Done()
		m.RemoveSession(s.ID)
	}()
}

// GetSession looks up a session by its canonical ID.
func (m *Manager) GetSession(id ticket.SessionId) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// RemoveSession tears the session down: fires its Stop trigger (cascading
// to the proxy and every spawned stream) and removes it along with every
// equivs entry that resolved to it.
func (m *Manager) RemoveSession(id ticket.SessionId) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	for eid, entry := range m.equivs {
		if entry.target == id {
			delete(m.equivs, eid)
		}
	}
	m.mu.Unlock()

	s.Stop.Fire()
	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.Inc()

	reason := "closed"
	if s.expired.Load() {
		reason = "expired"
	}
	metrics.SessionDuration.WithLabelValues(reason).Observe(time.Since(s.createdAt).Seconds())
}

// StartServer marks the front-side stream attached.
func (m *Manager) StartServer(id ticket.SessionId) {
	s, ok := m.GetSession(id)
	if !ok {
		return
	}
	s.isServerRunning.Store(true)
}

// StopServer marks the front-side stream detached without tearing the
// session down; it remains eligible for recovery until ServerRecoveryGrace
// elapses with no reattachment, at which point it is fully removed.
func (m *Manager) StopServer(id ticket.SessionId) {
	s, ok := m.GetSession(id)
	if !ok {
		return
	}
	s.isServerRunning.Store(false)

	go func() {
		time.Sleep(ServerRecoveryGrace)
		current, ok := m.GetSession(id)
		if !ok || current != s {
			return
		}
		if !current.isServerRunning.Load() {
			current.markExpired()
			metrics.SessionsExpired.Inc()
			current.Stop.Fire()
		}
	}()
}

// StartClient records one more live backend channel for the session. A
// session with several dialed remotes has several channels calling this
// independently.
func (m *Manager) StartClient(id ticket.SessionId) {
	s, ok := m.GetSession(id)
	if !ok {
		return
	}
	s.startClientChannel()
}

// StopClient records one backend channel's exit. It does not tear the
// session down: a session can have several backend channels, and one
// channel failing must not take down the others or the front-side stream.
// The session ends once the proxy itself drains (no server and no clients
// left attached), which fires the session's Stop trigger independently of
// this call.
func (m *Manager) StopClient(id ticket.SessionId) {
	s, ok := m.GetSession(id)
	if !ok {
		return
	}
	s.stopClientChannel()
}

// GetEquivSession resolves id through the equivs table to its canonical
// session. Returns (nil, false) if id is unknown or its target session
// has since been removed.
func (m *Manager) GetEquivSession(id ticket.SessionId) (*Session, bool) {
	m.mu.RLock()
	entry, ok := m.equivs[id]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	s, ok := m.sessions[entry.target]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s, true
}

// CreateEquivSession mints a fresh rotating id resolving to target,
// failing if the equivs table is already at capacity.
func (m *Manager) CreateEquivSession(target ticket.SessionId) (ticket.SessionId, error) {
	newID, err := ticket.NewSessionId()
	if err != nil {
		return ticket.SessionId{}, fmt.Errorf("session: generate equivalent id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.equivs) >= MaxEquivEntries {
		return ticket.SessionId{}, fmt.Errorf("session: equivs table at capacity (%d entries)", MaxEquivEntries)
	}
	m.equivs[newID] = equivEntry{target: target, createdAt: time.Now()}
	return newID, nil
}

// CleanupEquivSessions drops equivs entries older than maxAge.
func (m *Manager) CleanupEquivSessions(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupEquivsLocked(maxAge)
}

func (m *Manager) cleanupEquivsLocked(maxAge time.Duration) {
	now := time.Now()
	for id, entry := range m.equivs {
		if now.Sub(entry.createdAt) > maxAge {
			delete(m.equivs, id)
		}
	}
	m.lastCleanup = now
}

// maybeCleanupEquivsLocked runs the reaper at most once per
// CleanupInterval. AddSession is its only caller; lookups,
// CreateEquivSession, RemoveSession and GetSessionManager do not reap.
// Caller must hold m.mu.
func (m *Manager) maybeCleanupEquivsLocked() {
	if time.Since(m.lastCleanup) < CleanupInterval {
		return
	}
	m.cleanupEquivsLocked(EquivSessionMaxAge)
}

var (
	processManager   *Manager
	processManagerMu sync.RWMutex
)

// GetSessionManager returns the process-wide session manager, creating it
// lazily on first use.
func GetSessionManager() *Manager {
	processManagerMu.RLock()
	m := processManager
	processManagerMu.RUnlock()
	if m != nil {
		return m
	}

	processManagerMu.Lock()
	defer processManagerMu.Unlock()
	if processManager == nil {
		processManager = NewManager()
	}
	return processManager
}

// SetSessionManagerForTest overrides the process-wide manager. Restricted
// to test use by convention.
func SetSessionManagerForTest(m *Manager) {
	processManagerMu.Lock()
	defer processManagerMu.Unlock()
	processManager = m
}
