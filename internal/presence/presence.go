// Package presence mirrors the relay's live sessions to an external store so
// dashboards can see who is online without talking to the relay.
package presence

import "time"

// Info describes one live session.
type Info struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remote_addr"`
	Transport  string    `json:"transport"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Observer is notified of session lifecycle changes. Implementations must
// not block; they are called from connection handlers.
type Observer interface {
	SessionStarted(Info)
	SessionEnded(Info)
}

// Nop ignores every event.
type Nop struct{}

// SessionStarted implements Observer.
func (Nop) SessionStarted(Info) {}

// SessionEnded implements Observer.
func (Nop) SessionEnded(Info) {}
