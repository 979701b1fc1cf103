package server

import (
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// Receipt summarizes one broadcast.
type Receipt struct {
	Attempted int
	Delivered int
	Failed    int
}

// Broadcaster fans envelopes out to every live session. Sessions whose send
// fails are evicted from the registry after the sweep and their connections
// closed; there is no retry and no queue.
type Broadcaster struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast encodes msg once and sends it to every session except the one
// owning exclude. A nil exclude sends to everyone.
func (b *Broadcaster) Broadcast(msg protocol.Message, exclude Conn) Receipt {
	payload, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str(logging.FieldType, msg.Type()).Msg("failed to encode broadcast")
		return Receipt{}
	}

	targets := b.targets(exclude)
	failed := b.sendToSessions(targets, payload)
	b.removeFailedSessions(failed)

	receipt := Receipt{
		Attempted: len(targets),
		Delivered: len(targets) - len(failed),
		Failed:    len(failed),
	}
	b.logger.Debug().
		Str(logging.FieldType, msg.Type()).
		Int("attempted", receipt.Attempted).
		Int("failed", receipt.Failed).
		Msg("broadcast")
	return receipt
}

// targets returns a snapshot of the recipients so no lock is held during I/O.
func (b *Broadcaster) targets(exclude Conn) []*Session {
	var sessions []*Session
	b.registry.ForEachExcept(exclude, func(s *Session) {
		sessions = append(sessions, s)
	})
	return sessions
}

func (b *Broadcaster) sendToSessions(sessions []*Session, payload []byte) []*Session {
	var failed []*Session
	for _, s := range sessions {
		if err := s.Conn.WriteFrame(payload); err != nil {
			if !isExpectedCloseError(err) {
				b.logger.Warn().Err(err).
					Str(logging.FieldSessionID, s.ID).
					Str(logging.FieldRemoteAddr, s.RemoteAddr.String()).
					Msg("broadcast send failed")
			}
			failed = append(failed, s)
		}
	}
	return failed
}

func (b *Broadcaster) removeFailedSessions(failed []*Session) {
	for _, s := range failed {
		if _, count, ok := b.registry.Unregister(s.Conn); ok {
			b.logger.Info().
				Str(logging.FieldSessionID, s.ID).
				Str(logging.FieldUsername, s.Username).
				Int(logging.FieldClients, count).
				Msg("session evicted after failed send")
		}
		if err := s.Conn.Close(); err != nil && !isExpectedCloseError(err) {
			b.logger.Warn().Err(err).Str(logging.FieldSessionID, s.ID).Msg("error closing evicted connection")
		}
	}
}
