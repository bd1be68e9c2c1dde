package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmdgate/cmdgate/internal/completion"
	"github.com/cmdgate/cmdgate/internal/procmgr"
	"github.com/cmdgate/cmdgate/internal/stream"
)

// Session is one WebSocket connection's state: at most one active Process
// Descriptor at a time, per spec.md §3.
type Session struct {
	ID uuid.UUID

	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	executed     bool // true once `execute` has been accepted; a session runs one process, ever
	proc         *procmgr.Process
	mux          *stream.Multiplexer
	detector     *completion.Detector

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newSession(id uuid.UUID) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		createdAt:    now,
		lastActivity: now,
		cancelCh:     make(chan struct{}),
	}
}

// RequestCancel signals the execution supervisor goroutine that the client
// asked for CANCEL, distinguishing a client-initiated cancellation from a
// deadline-initiated one even though both terminate the process group the
// same way (spec.md §5).
func (s *Session) RequestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// CancelRequested is closed once RequestCancel has been called.
func (s *Session) CancelRequested() <-chan struct{} {
	return s.cancelCh
}

// Touch records activity for the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginExecution records the session's one-shot process, rejecting a
// second `execute` on the same session (spec.md §3: "at most one active
// process per session" — interpreted, per an explicit Open Question
// resolution, as exactly one execution for the session's entire
// lifetime rather than one-at-a-time).
func (s *Session) BeginExecution(proc *procmgr.Process, mux *stream.Multiplexer, det *completion.Detector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executed {
		return false
	}
	s.executed = true
	s.proc = proc
	s.mux = mux
	s.detector = det
	return true
}

func (s *Session) Process() *procmgr.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Session) Multiplexer() *stream.Multiplexer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mux
}

func (s *Session) Detector() *completion.Detector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector
}

func (s *Session) HasExecuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}
