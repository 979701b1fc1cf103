// Package server runs one handler per connection: it reads frames, decodes
// envelopes and drives the join, chat, clock sync and leave flows.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/responder"
)

// State is the lifecycle position of one connection.
type State int

const (
	// StateAwaitingJoin is the state of a connection that has not joined yet.
	StateAwaitingJoin State = iota
	// StateJoined means the connection has a session in the registry.
	StateJoined
	// StateClosed means the handler is done reading.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingJoin:
		return "awaiting_join"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// assistantAddress is the sender_address of assistant replies.
var assistantAddress = protocol.Address{Host: "ChatGPT", Port: "AI"}

type handler struct {
	srv     *Server
	conn    Conn
	addr    protocol.Address
	state   State
	limiter *rateLimiter
	logger  zerolog.Logger
}

func (s *Server) newHandler(conn Conn) *handler {
	addr := protocol.AddressOf(conn.RemoteAddr())
	return &handler{
		srv:     s,
		conn:    conn,
		addr:    addr,
		state:   StateAwaitingJoin,
		limiter: newRateLimiter(s.cfg.RateLimit),
		logger: s.logger.With().
			Str(logging.FieldRemoteAddr, addr.String()).
			Str(logging.FieldTransport, conn.Transport()).
			Logger(),
	}
}

// run reads frames until the connection closes or the client leaves. It
// always unregisters the session and closes the connection on return.
func (h *handler) run() {
	defer h.cleanup()
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error().Interface("panic", p).Msg("recovered from panic in connection handler")
		}
	}()

	h.logger.Debug().Msg("connection accepted")

	for h.state != StateClosed {
		frame, err := h.conn.ReadFrame()
		if err != nil {
			h.handleReadError(err)
			return
		}
		if session, ok := h.srv.registry.Lookup(h.conn); ok {
			session.Touch(h.srv.now())
		}
		h.processFrame(frame)
	}
}

// handleReadError logs the read failure at a level matching its cause.
func (h *handler) handleReadError(err error) {
	h.state = StateClosed
	switch {
	case isExpectedCloseError(err):
		h.logger.Debug().Err(err).Msg("client disconnected")
	case isTimeout(err):
		h.logger.Info().Dur("read_timeout", h.srv.cfg.Server.ReadTimeout).Msg("client idle past read timeout")
	default:
		h.logger.Warn().Err(err).Msg("read error")
	}
}

func (h *handler) processFrame(frame []byte) {
	msgs, err := protocol.DecodeFrame(frame)
	for _, msg := range msgs {
		if h.state == StateClosed {
			return
		}
		h.dispatch(msg)
	}
	if err != nil {
		h.handleDecodeError(err)
	}
}

func (h *handler) handleDecodeError(err error) {
	if errors.Is(err, protocol.ErrUnknownKind) {
		h.logger.Warn().Err(err).Msg("ignoring unknown message type")
		return
	}
	h.logger.Warn().Err(err).Msg("invalid message")
}

func (h *handler) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Join:
		h.handleJoin(m)
	case protocol.Chat:
		if !h.checkRateLimit() {
			return
		}
		h.handleChat(m)
	case protocol.ClockSync:
		h.handleClockSync(m)
	case protocol.Leave:
		h.handleLeave()
	default:
		h.logger.Warn().Str(logging.FieldType, msg.Type()).Msg("ignoring server message kind sent by client")
	}
}

// checkRateLimit reports whether a chat frame may be processed.
func (h *handler) checkRateLimit() bool {
	if h.limiter.allow() {
		return true
	}
	h.logger.Warn().
		Int("burst", h.srv.cfg.RateLimit.Burst).
		Dur("refill_interval", h.srv.cfg.RateLimit.RefillInterval).
		Msg("rate limit exceeded; discarding chat message")
	return false
}

// send writes one envelope to this connection. A failure closes the handler.
func (h *handler) send(msg protocol.Message) bool {
	payload, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Str(logging.FieldType, msg.Type()).Msg("failed to encode message")
		return false
	}
	if err := h.conn.WriteFrame(payload); err != nil {
		if !isExpectedCloseError(err) {
			h.logger.Warn().Err(err).Str(logging.FieldType, msg.Type()).Msg("send failed")
		}
		h.state = StateClosed
		return false
	}
	return true
}

func (h *handler) handleJoin(m protocol.Join) {
	username := strings.TrimSpace(m.Username)
	if username == "" {
		username = "User_" + h.addr.Port
	}

	session, count := h.srv.registry.Register(h.conn, username)
	h.state = StateJoined
	h.logger = h.logger.With().
		Str(logging.FieldSessionID, session.ID).
		Str(logging.FieldUsername, username).
		Logger()
	h.logger.Info().Int(logging.FieldClients, count).Msg("user joined")

	if !h.send(protocol.JoinSuccess{
		Message:      fmt.Sprintf("Welcome to the chat, %s! Type anything to chat with %s.", username, h.srv.cfg.Assistant.DisplayName),
		ServerTime:   h.srv.clock.Now(),
		ClientsCount: count,
	}) {
		return
	}

	h.srv.broadcaster.Broadcast(protocol.UserJoined{
		Username:     username,
		Message:      username + " joined the chat",
		Timestamp:    protocol.Timestamp(h.srv.now()),
		ClientsCount: count,
	}, h.conn)
}

func (h *handler) handleChat(m protocol.Chat) {
	session, ok := h.srv.registry.Lookup(h.conn)
	if !ok {
		h.logger.Debug().Msg("chat before join ignored")
		return
	}

	ts := protocol.Timestamp(h.srv.now())
	receipt := h.srv.broadcaster.Broadcast(protocol.ChatMessage{
		Username:      session.Username,
		Message:       m.Message,
		Timestamp:     ts,
		SenderAddress: session.RemoteAddr,
	}, h.conn)
	h.logger.Info().
		Int("delivered", receipt.Delivered).
		Int("failed", receipt.Failed).
		Msg("chat relayed")

	if !h.send(protocol.MessageDelivered{Timestamp: ts}) {
		return
	}

	reply := h.assistantReply(m.Message, session.Username)
	h.srv.broadcaster.Broadcast(protocol.ChatMessage{
		Username:      h.srv.cfg.Assistant.DisplayName,
		Message:       reply,
		Timestamp:     protocol.Timestamp(h.srv.now()),
		SenderAddress: assistantAddress,
	}, nil)
}

func (h *handler) handleClockSync(m protocol.ClockSync) {
	if h.send(h.srv.clock.Respond(m)) {
		h.logger.Debug().Str(logging.FieldState, h.state.String()).Msg("clock sync answered")
	}
}

func (h *handler) handleLeave() {
	session, count, ok := h.srv.registry.Unregister(h.conn)
	h.state = StateClosed
	if !ok {
		return
	}

	h.logger.Info().Int(logging.FieldClients, count).Msg("user left")
	h.srv.broadcaster.Broadcast(protocol.UserLeft{
		Username:     session.Username,
		Message:      session.Username + " left the chat",
		Timestamp:    protocol.Timestamp(h.srv.now()),
		ClientsCount: count,
	}, h.conn)
}

func (h *handler) cleanup() {
	h.state = StateClosed
	if _, count, ok := h.srv.registry.Unregister(h.conn); ok {
		h.logger.Info().Int(logging.FieldClients, count).Msg("session removed")
	}
	if err := h.conn.Close(); err != nil && !isExpectedCloseError(err) {
		h.logger.Warn().Err(err).Msg("error closing connection")
	}
}

// assistantReply asks the responder for an answer bounded by the assistant
// timeout. Failures come back as fallback text.
func (h *handler) assistantReply(text, username string) string {
	ctx, cancel := context.WithTimeout(h.srv.baseCtx, h.srv.cfg.Assistant.Timeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, h.logger)

	reply, err := responder.Reply(ctx, h.srv.responder, text, username)
	if err != nil {
		h.logger.Warn().Err(err).Msg("assistant unavailable; sending fallback")
	}
	return reply
}
