// Package server adapts raw TCP sockets and upgraded WebSocket connections to
// the frame-oriented Conn used by the connection handler.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport names reported in logs and presence records.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Conn is one client connection as seen by the relay. A frame is one TCP read
// or one WebSocket message. WriteFrame is safe for concurrent use; Close is
// idempotent.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
	Transport() string
}

type tcpConn struct {
	conn         net.Conn
	buf          []byte
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTCPConn(conn net.Conn, readBuffer int, readTimeout, writeTimeout time.Duration) *tcpConn {
	if readBuffer <= 0 {
		readBuffer = defaultReadBuffer
	}
	return &tcpConn{
		conn:         conn,
		buf:          make([]byte, readBuffer),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return nil, err
			}
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, c.buf[:n])
			return frame, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *tcpConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *tcpConn) Transport() string    { return TransportTCP }

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsConn carries one envelope per WebSocket text message and keeps the peer
// alive with pings while the connection is open.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, maxMessageSize int64, writeTimeout time.Duration) *wsConn {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	// Any inbound message proves the peer is alive.
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return frame, nil
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *wsConn) Transport() string    { return TransportWebSocket }
