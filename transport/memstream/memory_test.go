package memstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/transporttest"
)

type peer struct{ n *Network }

func (p peer) wait(ctx context.Context) ([]*Conn, error) {
	for {
		if live := p.n.Live(); len(live) > 0 {
			return live, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (p peer) Send(ctx context.Context, payload []byte) error {
	conns, err := p.wait(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.Send(payload)
	}
	return nil
}

func (p peer) Heartbeat(ctx context.Context) error {
	conns, err := p.wait(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.Heartbeat()
	}
	return nil
}

func (p peer) Hangup(ctx context.Context) error {
	conns, err := p.wait(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.Hangup(nil)
	}
	return nil
}

func TestMemoryTransport(t *testing.T) {
	transporttest.RunConnectionTests(t, func(t *testing.T) transporttest.Fixture {
		n := New()
		return transporttest.Fixture{
			Dialer:  n,
			Request: &transport.Request{Target: "feed"},
			Peer:    peer{n: n},
		}
	})
}

func TestFailNextConsumedInOrder(t *testing.T) {
	n := New()
	first := errors.New("first")
	n.FailNext(first, transport.ErrRequestTimeout)
	ctx := context.Background()
	req := &transport.Request{Target: "feed"}

	_, err := n.Dial(ctx, req)
	require.ErrorIs(t, err, first)
	_, err = n.Dial(ctx, req)
	require.ErrorIs(t, err, transport.ErrRequestTimeout)
	conn, err := n.Dial(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.Equal(t, 3, n.Dials())
	assert.Len(t, n.Conns(), 1)
}

func TestDialRequiresRequest(t *testing.T) {
	_, err := New().Dial(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoRequest)
}

func TestHoldBlocksUntilRelease(t *testing.T) {
	n := New()
	release := n.Hold()

	done := make(chan error, 1)
	go func() {
		_, err := n.Dial(context.Background(), &transport.Request{})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("dial returned while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dial did not resume after release")
	}
}

func TestHoldRespectsContext(t *testing.T) {
	n := New()
	defer n.Hold()()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.Dial(ctx, &transport.Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnWaitsForDial(t *testing.T) {
	n := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = n.Dial(ctx, &transport.Request{Target: "late"})
	}()

	c, err := n.Conn(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "late", c.Target())
}

func TestSetIdleOverridesTracking(t *testing.T) {
	n := New()
	conn, err := n.Dial(context.Background(), &transport.Request{})
	require.NoError(t, err)
	c := conn.(*Conn)

	c.SetIdle(false)
	assert.False(t, c.IsIdle())
	c.SetIdle(true)
	c.Send([]byte("x"))
	assert.True(t, c.IsIdle())
	c.ResetIdle()
	assert.False(t, c.IsIdle())
}

func TestDisconnectMarksConn(t *testing.T) {
	n := New()
	conn, err := n.Dial(context.Background(), &transport.Request{})
	require.NoError(t, err)
	c := conn.(*Conn)

	require.NoError(t, c.Disconnect())
	assert.True(t, c.Disconnected())
	assert.Empty(t, n.Live())
}
