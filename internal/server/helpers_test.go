package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/chatclient"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/responder"
)

const waitTimeout = 2 * time.Second

// fakeConn records frames written to it and can be told to fail writes.
type fakeConn struct {
	mu       sync.Mutex
	addr     net.Addr
	frames   [][]byte
	writeErr error
	closed   bool
	inbound  chan []byte
}

func newFakeConn(port int) *fakeConn {
	return &fakeConn{
		addr:    &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		inbound: make(chan []byte, 16),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	frame, ok := <-c.inbound
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.addr }
func (c *fakeConn) Transport() string    { return "fake" }

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

var errBrokenPipe = errors.New("write: broken pipe")

func echoResponder() responder.Responder {
	return responder.Func(func(_ context.Context, text, name string) (string, error) {
		return "echo for " + name + ": " + text, nil
	})
}

func testConfig() Config {
	cfg := *NewConfig()
	cfg.HTTP.AllowedOrigins = []string{"http://example.test"}
	cfg.RateLimit.Burst = 100
	cfg.Assistant.DisplayName = "Bot"
	return cfg
}

// startTestServer runs a relay on a loopback port and shuts it down with the test.
func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	opts = append([]Option{WithResponder(echoResponder())}, opts...)
	srv := New(cfg, opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.ErrorIs(t, <-serveErr, ErrServerClosed)
	})
	return srv, ln.Addr().String()
}

func dialClient(t *testing.T, addr string) *chatclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := chatclient.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func joinClient(t *testing.T, addr, username string) (*chatclient.Client, protocol.JoinSuccess) {
	t.Helper()
	c := dialClient(t, addr)
	require.NoError(t, c.Join(username))
	return c, until[protocol.JoinSuccess](t, c)
}

type messageSource interface {
	NextWithin(time.Duration) (protocol.Message, error)
}

// expect reads the next envelope and requires it to be a T.
func expect[T protocol.Message](t *testing.T, c messageSource) T {
	t.Helper()
	m, err := c.NextWithin(waitTimeout)
	require.NoError(t, err)
	typed, ok := m.(T)
	require.Truef(t, ok, "expected %T, got %T: %+v", *new(T), m, m)
	return typed
}

// until skips envelopes until one of type T arrives.
func until[T protocol.Message](t *testing.T, c messageSource) T {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		m, err := c.NextWithin(time.Until(deadline))
		require.NoError(t, err)
		if typed, ok := m.(T); ok {
			return typed
		}
	}
	var zero T
	t.Fatalf("timed out waiting for %T", zero)
	return zero
}

// expectSilence requires that nothing arrives within d.
func expectSilence(t *testing.T, c messageSource, d time.Duration) {
	t.Helper()
	m, err := c.NextWithin(d)
	if err == nil {
		t.Fatalf("expected no message, got %T: %+v", m, m)
	}
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// rawClient writes arbitrary bytes and decodes the relay's stream.
type rawClient struct {
	conn   net.Conn
	reader *protocol.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, waitTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{conn: conn, reader: protocol.NewReader(conn)}
}

func (r *rawClient) write(t *testing.T, data string) {
	t.Helper()
	_, err := r.conn.Write([]byte(data))
	require.NoError(t, err)
}

func (r *rawClient) NextWithin(d time.Duration) (protocol.Message, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return r.reader.Next()
}
