// ABOUTME: Authoritative registry of in-flight sessions keyed by session id.
// ABOUTME: Groups sessions by hardware id for device-scoped interruption.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrEmptySessionID indicates a caller tried to register a session without an
// id. The gateway never fabricates session ids; they are caller-supplied.
var ErrEmptySessionID = errors.New("session id is empty")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive      Status = "active"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
)

// Session identifies one logical request/response exchange.
type Session struct {
	ID         string
	HardwareID string
	Status     Status
	CreatedAt  time.Time
}

// Registry is the mutex-guarded map of live sessions. It holds only
// non-terminal sessions; entries are removed once a terminal status is
// observed by the owning request.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session-registry"),
	}
}

// Begin registers a new active session. A session id that is already present
// is overwritten; the registry logs it since it indicates a caller-side
// lifecycle bug rather than a crash condition.
func (r *Registry) Begin(sessionID, hardwareID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		r.logger.Warn("session re-registered while still live",
			"session_id", sessionID,
			"hardware_id", hardwareID,
		)
	}

	s := &Session{
		ID:         sessionID,
		HardwareID: hardwareID,
		Status:     StatusActive,
		CreatedAt:  time.Now(),
	}
	r.sessions[sessionID] = s
	return r.snapshot(s), nil
}

// Get returns a copy of the session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return r.snapshot(s), true
}

// Complete marks the session completed. The entry stays in the registry until
// the owning request observes the terminal state and calls Remove.
func (r *Registry) Complete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok && s.Status == StatusActive {
		s.Status = StatusCompleted
	}
}

// InterruptActive transitions every active session for the hardware id to
// interrupted and returns the affected session ids. More than one active
// session per device is a caller-side lifecycle bug and is logged with the
// full id list.
func (r *Registry) InterruptActive(hardwareID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var interrupted []string
	for _, s := range r.sessions {
		if s.HardwareID == hardwareID && s.Status == StatusActive {
			s.Status = StatusInterrupted
			interrupted = append(interrupted, s.ID)
		}
	}

	if len(interrupted) > 1 {
		r.logger.Warn("multiple active sessions for one device at interrupt time",
			"hardware_id", hardwareID,
			"session_ids", interrupted,
		)
	}
	return interrupted
}

// ActiveCount returns the number of sessions currently in active status.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// Remove deletes the session. Safe to call for unknown ids.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Clear drops all sessions. Called at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
}

// snapshot returns a copy so callers cannot mutate registry state directly.
// Must be called with mu held.
func (r *Registry) snapshot(s *Session) *Session {
	cp := *s
	return &cp
}
