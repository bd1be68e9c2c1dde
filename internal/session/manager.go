// Package session is the Session Manager (SM): one registry entry per
// WebSocket connection, gating concurrent sessions with a slot pool and
// reclaiming idle ones, grounded on the teacher's slotPool and the
// registry shape of LogManager (lazy per-key creation behind a mutex).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/internal/procmgr"
)

// ErrSessionLimit is returned by Create when the slot pool is saturated.
var ErrSessionLimit = fmt.Errorf("session: max_sessions reached")

// Manager owns the registry of live sessions.
type Manager struct {
	log *zap.Logger

	pool *slotPool

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	idleTimeout time.Duration

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New constructs a Manager with the given max-session cap and idle
// timeout, and starts its background reaper.
func New(log *zap.Logger, maxSessions int, idleTimeout time.Duration) *Manager {
	m := &Manager{
		log:         log,
		pool:        newSlotPool(maxSessions),
		sessions:    make(map[uuid.UUID]*Session),
		idleTimeout: idleTimeout,
		stopReaper:  make(chan struct{}),
		reaperDone:  make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Create allocates a new session, taking one slot. Returns ErrSessionLimit
// if the pool is saturated (spec.md §2: SM "enforces max-session cap").
func (m *Manager) Create() (*Session, error) {
	id := uuid.New()
	if !m.pool.tryAcquire(id.String()) {
		return nil, ErrSessionLimit
	}

	s := newSession(id)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session_id", id.String()), zap.Int("active", m.pool.current()), zap.Int("capacity", m.pool.capacity()))
	return s, nil
}

// Get looks up a live session by ID.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy tears a session down: cancels any active process and releases
// its slot. Called on WebSocket disconnect or idle-reap (spec.md §3:
// "destroyed when the connection closes or the server shuts down").
func (m *Manager) Destroy(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if proc := s.Process(); proc != nil {
		_ = proc.Signal(procmgr.ControlCancel)
	}

	m.pool.release(id.String())
	m.log.Info("session destroyed", zap.String("session_id", id.String()), zap.Int("active", m.pool.current()))
}

// Shutdown stops the reaper and destroys every live session, for graceful
// server shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopReaper)
	<-m.reaperDone

	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Destroy(ctx, id)
	}
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int { return m.pool.current() }

// Capacity reports the configured max_sessions.
func (m *Manager) Capacity() int { return m.pool.capacity() }

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)

	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopReaper:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.RLock()
	var stale []uuid.UUID
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.log.Info("reaping idle session", zap.String("session_id", id.String()))
		m.Destroy(context.Background(), id)
	}
}
