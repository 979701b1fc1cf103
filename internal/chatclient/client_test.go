package chatclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

func newPipeClient(t *testing.T, now func() time.Time) (*Client, net.Conn, *protocol.Reader) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c := New(clientSide, WithClock(now))
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverSide.Close()
	})
	return c, serverSide, protocol.NewReader(serverSide)
}

func TestClientSendsEnvelopes(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	c, _, server := newPipeClient(t, func() time.Time { return fixed })

	errCh := make(chan error, 1)
	go func() {
		if err := c.Join("Alice"); err != nil {
			errCh <- err
			return
		}
		if err := c.Chat("hi"); err != nil {
			errCh <- err
			return
		}
		if err := c.SyncClock(); err != nil {
			errCh <- err
			return
		}
		errCh <- c.Leave()
	}()

	m, err := server.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.Join{Username: "Alice", Timestamp: 1700000000}, m)

	m, err = server.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.Chat{Message: "hi", Username: "Alice", Timestamp: 1700000000}, m)

	m, err = server.Next()
	require.NoError(t, err)
	sync := m.(protocol.ClockSync)
	require.NotNil(t, sync.ClientTime)
	assert.Equal(t, 1700000000.0, *sync.ClientTime)

	m, err = server.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeLeave, m.Type())

	require.NoError(t, <-errCh)
	assert.Equal(t, "Alice", c.Username())
}

func TestClientAppliesClockSyncResponse(t *testing.T) {
	local := time.Unix(1000, 0)
	c, serverSide, _ := newPipeClient(t, func() time.Time { return local })

	go func() {
		payload, _ := protocol.Encode(protocol.ClockSyncResponse{
			ServerTime:        1010,
			ClientRequestTime: 998,
			EstimatedRTT:      0.001,
		})
		_, _ = serverSide.Write(payload)
	}()

	m, err := c.NextWithin(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeClockSyncResponse, m.Type())

	// t0 = 998, t1 = 1000, Ts = 1010: offset = 1010 + 1 - 1000 = 11s.
	assert.Equal(t, 11*time.Second, c.Clock().Offset())
	assert.Equal(t, local.Add(11*time.Second), c.Clock().Now())
	assert.Equal(t, local, c.Clock().LastSync())
}

func TestClientNextWithinTimesOutAndRecovers(t *testing.T) {
	c, serverSide, _ := newPipeClient(t, time.Now)

	_, err := c.NextWithin(20 * time.Millisecond)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	go func() {
		payload, _ := protocol.Encode(protocol.MessageDelivered{Timestamp: 5})
		_, _ = serverSide.Write(payload)
	}()

	m, err := c.NextWithin(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageDelivered{Timestamp: 5}, m)
}

func TestClientSendAfterClose(t *testing.T) {
	c, _, _ := newPipeClient(t, time.Now)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Chat("late"), ErrClosed)
	assert.NoError(t, c.Close())
}
