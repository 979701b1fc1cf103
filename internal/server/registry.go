// Package server tracks joined sessions in a Registry guarded by a single
// read/write lock.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// Session is a joined connection. The Conn is owned by its handler; the
// registry only references it.
type Session struct {
	ID         string
	Conn       Conn
	Username   string
	RemoteAddr protocol.Address
	JoinedAt   float64

	lastActivity atomic.Int64
}

// Touch records inbound activity.
func (s *Session) Touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) info() presence.Info {
	return presence.Info{
		ID:         s.ID,
		Username:   s.Username,
		RemoteAddr: s.RemoteAddr.String(),
		Transport:  s.Conn.Transport(),
		JoinedAt:   protocol.Time(s.JoinedAt),
	}
}

// Registry maps live connections to their sessions. A session is present
// exactly while its connection is considered live.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Conn]*Session
	observer presence.Observer
	now      func() time.Time

	// notifyMu is taken before mu is released so observers see events in
	// mutation order.
	notifyMu sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithObserver reports session start and end to o. Notifications are
// delivered after the registry lock is released, in the order the registry
// changed. o must not call back into the registry.
func WithObserver(o presence.Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithRegistryClock replaces time.Now for join timestamps.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[Conn]*Session),
		observer: presence.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a session for conn and returns it with the number of live
// sessions after the insert. Registering a connection twice replaces its
// session; the count is unchanged.
func (r *Registry) Register(conn Conn, username string) (*Session, int) {
	now := r.now()
	s := &Session{
		ID:         uuid.NewString(),
		Conn:       conn,
		Username:   username,
		RemoteAddr: protocol.AddressOf(conn.RemoteAddr()),
		JoinedAt:   protocol.Timestamp(now),
	}
	s.Touch(now)

	r.mu.Lock()
	previous := r.sessions[conn]
	r.sessions[conn] = s
	count := len(r.sessions)
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	if previous != nil {
		r.observer.SessionEnded(previous.info())
	}
	r.observer.SessionStarted(s.info())
	return s, count
}

// Unregister removes the session for conn. It reports the removed session,
// the number of sessions left and whether anything was removed. Calling it
// for an unknown connection is a no-op.
func (r *Registry) Unregister(conn Conn) (*Session, int, bool) {
	r.mu.Lock()
	s, ok := r.sessions[conn]
	if ok {
		delete(r.sessions, conn)
	}
	count := len(r.sessions)
	if !ok {
		r.mu.Unlock()
		return nil, count, false
	}
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.observer.SessionEnded(s.info())
	return s, count, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Lookup returns the session for conn.
func (r *Registry) Lookup(conn Conn) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conn]
	return s, ok
}

// ForEachExcept calls fn for every session whose connection is not exclude.
// The read lock is held for the whole pass, so fn must not call back into
// the registry.
func (r *Registry) ForEachExcept(exclude Conn, fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn, s := range r.sessions {
		if exclude != nil && conn == exclude {
			continue
		}
		fn(s)
	}
}

// Snapshot returns the live sessions at one instant.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Clear removes every session and returns them.
func (r *Registry) Clear() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[Conn]*Session)
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	for _, s := range sessions {
		r.observer.SessionEnded(s.info())
	}
	return sessions
}
