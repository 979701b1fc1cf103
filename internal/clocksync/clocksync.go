// Package clocksync implements both halves of Cristian's algorithm: the
// stateless server answer to a clock_sync request and the client-side offset
// estimate derived from one request/response exchange.
package clocksync

import (
	"sync"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// DefaultEstimatedRTT is the placeholder reported in estimated_rtt. The server
// never observes a round trip; clients time their own exchange.
const DefaultEstimatedRTT = 0.001

// Service answers clock_sync requests. It keeps no per-client state.
type Service struct {
	now          func() time.Time
	estimatedRTT float64
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEstimatedRTT sets the static value reported as estimated_rtt.
// Negative values are ignored.
func WithEstimatedRTT(seconds float64) Option {
	return func(s *Service) {
		if seconds >= 0 {
			s.estimatedRTT = seconds
		}
	}
}

// NewService returns a Service reporting the wall clock.
func NewService(opts ...Option) *Service {
	s := &Service{
		now:          time.Now,
		estimatedRTT: DefaultEstimatedRTT,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the server's authoritative time in wire seconds.
func (s *Service) Now() float64 {
	return protocol.Timestamp(s.now())
}

// Respond builds the answer to req. A request without client_time echoes the
// server time in its place.
func (s *Service) Respond(req protocol.ClockSync) protocol.ClockSyncResponse {
	serverTime := s.Now()
	requestTime := serverTime
	if req.ClientTime != nil {
		requestTime = *req.ClientTime
	}
	return protocol.ClockSyncResponse{
		ServerTime:        serverTime,
		ClientRequestTime: requestTime,
		EstimatedRTT:      s.estimatedRTT,
	}
}

// Sample is one completed exchange as seen by the client: SendTime (t0) and
// ReceiveTime (t1) from the local clock, ServerTime (Ts) from the response.
type Sample struct {
	SendTime    float64
	ReceiveTime float64
	ServerTime  float64
}

// SampleFrom pairs a response with the local receive time. The send time is
// the echoed client_request_time, so the client needs no bookkeeping of its own.
func SampleFrom(resp protocol.ClockSyncResponse, received time.Time) Sample {
	return Sample{
		SendTime:    resp.ClientRequestTime,
		ReceiveTime: protocol.Timestamp(received),
		ServerTime:  resp.ServerTime,
	}
}

// RoundTrip is t1 - t0.
func (s Sample) RoundTrip() float64 {
	return s.ReceiveTime - s.SendTime
}

// Delay is the one-way delay estimate (t1 - t0) / 2.
func (s Sample) Delay() float64 {
	return s.RoundTrip() / 2
}

// Synchronized is the estimated server time at the moment of receipt, Ts + d.
func (s Sample) Synchronized() float64 {
	return s.ServerTime + s.Delay()
}

// Offset is the correction to add to the local clock, (Ts + d) - t1.
func (s Sample) Offset() float64 {
	return s.Synchronized() - s.ReceiveTime
}

// Clock is a local clock corrected by the most recent sample.
type Clock struct {
	mu       sync.RWMutex
	now      func() time.Time
	offset   time.Duration
	lastSync time.Time
}

// NewClock returns an unsynchronized Clock. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Apply adopts the offset of s and returns it.
func (c *Clock) Apply(s Sample) time.Duration {
	offset := time.Duration(s.Offset() * float64(time.Second))

	c.mu.Lock()
	c.offset = offset
	c.lastSync = c.now()
	c.mu.Unlock()

	return offset
}

// Offset returns the currently applied correction.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// LastSync returns when Apply was last called; zero if never.
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// Now returns the local time corrected toward the server clock.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}
