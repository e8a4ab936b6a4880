package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
)

// closeAllTimeout bounds how long CloseAll waits for sessions to flush.
const closeAllTimeout = 5 * time.Second

// Registry maintains the set of live sessions.
type Registry struct {
	// sessions maps session IDs to their session
	sessions map[uuid.UUID]*Session

	// mu protects the sessions map
	mu sync.RWMutex

	logger *slog.Logger
}

// Ensure Registry implements the SessionRegistry interface.
var _ ports.SessionRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		logger:   logger.With("component", "session_registry"),
	}
}

// Register adds a session so that it is included in every later snapshot.
func (r *Registry) Register(session *Session) {
	r.mu.Lock()
	r.sessions[session.ID()] = session
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", session.ID(),
		"total_sessions", total,
	)
}

// Unregister removes a session. It is idempotent and reports whether the
// session was present.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	total := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.logger.Info("session unregistered",
			"session_id", id,
			"total_sessions", total,
		)
	}
	return ok
}

// Snapshot returns a copy of the live sessions. Later registry changes do
// not affect the returned slice.
func (r *Registry) Snapshot() []ports.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]ports.Subscriber, 0, len(r.sessions))
	for _, s := range r.sessions {
		subs = append(subs, s)
	}
	return subs
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live session with the given reason and waits for
// them to finish flushing, up to closeAllTimeout.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	if len(sessions) == 0 {
		return
	}

	r.logger.Info("closing all sessions", "count", len(sessions), "reason", reason)

	for _, s := range sessions {
		s.Close(reason)
	}

	timeout := time.NewTimer(closeAllTimeout)
	defer timeout.Stop()

	for _, s := range sessions {
		select {
		case <-s.Closed():
		case <-timeout.C:
			r.logger.Warn("timed out waiting for sessions to close")
			return
		}
	}
}
