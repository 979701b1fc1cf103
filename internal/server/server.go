// Package server implements the TCP listener that accepts chat clients and
// the lifecycle shared with the WebSocket gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/clocksync"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/responder"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Stats is a point-in-time view of the relay.
type Stats struct {
	ActiveClients int     `json:"active_clients"`
	ServerTime    float64 `json:"server_time"`
	Uptime        float64 `json:"uptime"`
}

// Server relays chat envelopes between connected clients.
type Server struct {
	cfg         Config
	registry    *Registry
	broadcaster *Broadcaster
	clock       *clocksync.Service
	responder   responder.Responder
	origins     *originPolicy
	logger      zerolog.Logger
	now         func() time.Time
	startedAt   time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type options struct {
	logger    zerolog.Logger
	responder responder.Responder
	observer  presence.Observer
	now       func() time.Time
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithResponder sets the assistant backend. Without one every chat is
// answered with the configuration fallback.
func WithResponder(r responder.Responder) Option {
	return func(o *options) { o.responder = r }
}

// WithPresence reports session lifecycle changes to observer.
func WithPresence(observer presence.Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithClock replaces time.Now for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a Server. cfg is sanitized; zero values take defaults.
func New(cfg Config, opts ...Option) *Server {
	o := options{
		logger:    zerolog.Nop(),
		responder: responder.Unconfigured{},
		observer:  presence.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = sanitizeConfig(cfg)
	registry := NewRegistry(WithObserver(o.observer), WithRegistryClock(o.now))
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:         cfg,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, o.logger),
		clock: clocksync.NewService(
			clocksync.WithClock(o.now),
			clocksync.WithEstimatedRTT(cfg.Clock.EstimatedRTT),
		),
		responder: o.responder,
		origins:   newOriginPolicy(cfg.HTTP.AllowedOrigins, o.logger),
		logger:    o.logger,
		now:       o.now,
		startedAt: o.now(),
		baseCtx:   ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[Conn]struct{}),
	}
}

// Registry exposes the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Broadcast sends msg to every joined client.
func (s *Server) Broadcast(msg protocol.Message) Receipt {
	return s.broadcaster.Broadcast(msg, nil)
}

// Stats reports live session count, server time and uptime in seconds.
func (s *Server) Stats() Stats {
	now := s.now()
	return Stats{
		ActiveClients: s.registry.Count(),
		ServerTime:    protocol.Timestamp(now),
		Uptime:        now.Sub(s.startedAt).Seconds(),
	}
}

// ListenAndServe listens on the TCP address addr and serves clients until
// Shutdown. An empty addr uses the configured host and port.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Addr()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and runs one handler goroutine per
// connection. Transient accept failures such as descriptor exhaustion are
// retried with backoff. It returns ErrServerClosed after Shutdown; any other
// accept error is returned wrapped.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("chat relay listening")

	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if isTemporaryAcceptError(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		conn := newTCPConn(nc, s.cfg.Server.ReadBuffer, s.cfg.Server.ReadTimeout, s.cfg.Server.WriteTimeout)
		go s.ServeConn(conn)
	}
}

// ServeConn runs the connection handler for conn and blocks until the
// connection is closed. The connection is closed on return.
func (s *Server) ServeConn(conn Conn) {
	if !s.trackConn(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrackConn(conn)

	s.newHandler(conn).run()
}

// Shutdown stops accepting, closes every client connection, clears the
// registry and waits for handlers to return or ctx to expire. Calls after the
// first return nil immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.logger.Info().Msg("shutting down chat relay")

		s.mu.Lock()
		s.closed = true
		listeners := make([]net.Listener, 0, len(s.listeners))
		for ln := range s.listeners {
			listeners = append(listeners, ln)
		}
		conns := make([]Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.cancel()
		for _, ln := range listeners {
			if cerr := ln.Close(); cerr != nil && !isExpectedCloseError(cerr) {
				s.logger.Warn().Err(cerr).Msg("error closing listener")
			}
		}
		for _, c := range conns {
			_ = c.Close()
		}
		cleared := s.registry.Clear()
		s.logger.Info().Int("connections", len(conns)).Int("sessions", len(cleared)).Msg("closed client connections")
	})
	if !first {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("chat relay shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline reached; some handlers may still be running")
		err = ctx.Err()
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) trackConn(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}
