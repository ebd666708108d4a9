package api

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is the worker's lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusShuttingDown Status = "shutting_down"
)

// Common errors returned by state transitions.
var (
	// ErrBusy indicates a job is already active; this worker never queues.
	ErrBusy = errors.New("worker is busy")

	// ErrShuttingDown indicates the worker no longer accepts jobs.
	ErrShuttingDown = errors.New("worker is shutting down")

	// ErrSessionMismatch indicates an abort named a session other than the
	// active one.
	ErrSessionMismatch = errors.New("session id does not match active job")
)

// State is the single-owner worker state machine: idle -> busy -> exit,
// with an orthogonal shutdown-requested flag and the active job's
// cancellation handle. All transitions go through this struct; there are
// no ad hoc booleans elsewhere.
type State struct {
	mu                sync.Mutex
	status            Status
	shutdownRequested bool
	activeSessionID   string
	cancel            context.CancelFunc
	jobDone           chan struct{}
}

// NewState creates an idle state machine.
func NewState() *State {
	return &State{status: StatusIdle}
}

// TryAcquire atomically claims the worker for a new job. It flips to busy
// before the request body is even validated, closing the double-accept
// race: of two near-simultaneous requests exactly one can win.
func (s *State) TryAcquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownRequested {
		return ErrShuttingDown
	}
	if s.status == StatusBusy {
		return ErrBusy
	}
	s.status = StatusBusy
	return nil
}

// BindJob attaches the validated job's identity and cancellation handle.
func (s *State) BindJob(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSessionID = sessionID
	s.cancel = cancel
	s.jobDone = make(chan struct{})
}

// Release returns the worker to idle: validation failures and the query
// path, which is the only full operation allowed back to idle.
func (s *State) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusIdle
	s.activeSessionID = ""
	s.cancel = nil
	if s.jobDone != nil {
		close(s.jobDone)
		s.jobDone = nil
	}
}

// JobFinished marks the active job complete without returning to idle; the
// process is about to exit.
func (s *State) JobFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobDone != nil {
		close(s.jobDone)
		s.jobDone = nil
	}
}

// Abort cancels the active job. Idle is a no-op success. A non-empty
// session id must match the active job.
func (s *State) Abort(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBusy || s.cancel == nil {
		return nil
	}
	if sessionID != "" && sessionID != s.activeSessionID {
		return ErrSessionMismatch
	}
	s.cancel()
	return nil
}

// RequestShutdown sets the shutdown flag and reports whether the worker
// was idle (in which case the caller may exit immediately).
func (s *State) RequestShutdown() (idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownRequested = true
	if s.status != StatusBusy {
		s.status = StatusShuttingDown
		return true
	}
	return false
}

// ShutdownRequested reports the flag.
func (s *State) ShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownRequested
}

// Snapshot returns the current status and active session for /status.
func (s *State) Snapshot() (Status, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.activeSessionID, s.shutdownRequested
}

// WaitForJob blocks until the active job finishes or the timeout elapses.
// It returns immediately when no job is running.
func (s *State) WaitForJob(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.jobDone
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
