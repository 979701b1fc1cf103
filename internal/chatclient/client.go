// Package chatclient is a TCP client for the chat relay. It sends the client
// envelopes, decodes the relay's stream and keeps a clock corrected with
// Cristian's algorithm from every clock_sync_response it reads.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/clocksync"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("chatclient: closed")

// Client is one connection to the relay. Send methods are safe for
// concurrent use; Next must be called from a single goroutine.
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	clock  *clocksync.Clock
	now    func() time.Time

	writeMu   sync.Mutex
	mu        sync.Mutex
	username  string
	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces time.Now for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Dial connects to the relay at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		reader: protocol.NewReader(conn),
		now:    time.Now,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clocksync.NewClock(c.now)
	return c
}

// Username returns the name given to Join.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Clock returns the server-corrected clock.
func (c *Client) Clock() *clocksync.Clock {
	return c.clock
}

// LocalAddr returns the client side of the connection.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) timestamp() float64 {
	return protocol.Timestamp(c.now())
}

func (c *Client) send(msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("chatclient: send %s: %w", msg.Type(), err)
	}
	return nil
}

// Join announces username. An empty name lets the relay pick one.
func (c *Client) Join(username string) error {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return c.send(protocol.Join{Username: username, Timestamp: c.timestamp()})
}

// Chat sends one line of text.
func (c *Client) Chat(text string) error {
	return c.send(protocol.Chat{Message: text, Username: c.Username(), Timestamp: c.timestamp()})
}

// SyncClock asks the relay for its time. The answer is applied to Clock when
// Next reads it.
func (c *Client) SyncClock() error {
	t0 := c.timestamp()
	return c.send(protocol.ClockSync{ClientTime: &t0})
}

// Leave announces an orderly departure. The relay closes the connection.
func (c *Client) Leave() error {
	return c.send(protocol.Leave{Username: c.Username(), Timestamp: c.timestamp()})
}

// Next returns the next envelope from the relay. A clock_sync_response is
// applied to Clock before it is returned.
func (c *Client) Next() (protocol.Message, error) {
	msg, err := c.reader.Next()
	if err != nil {
		return nil, err
	}
	if resp, ok := msg.(protocol.ClockSyncResponse); ok {
		c.clock.Apply(clocksync.SampleFrom(resp, c.now()))
	}
	return msg, nil
}

// NextWithin is Next bounded by a read deadline d from now.
func (c *Client) NextWithin(d time.Duration) (protocol.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Next()
}

// Close closes the connection without sending leave.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
