package handover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/memstream"
)

func TestSlotAssignDisconnectsPrevious(t *testing.T) {
	n := memstream.New()
	ctx := context.Background()
	first, err := n.Dial(ctx, &transport.Request{})
	require.NoError(t, err)
	second, err := n.Dial(ctx, &transport.Request{})
	require.NoError(t, err)

	mb := newMailbox()
	s := newSlot(Alpha)
	require.NoError(t, s.assign(first, bind(mb, Alpha, first)))
	require.NoError(t, s.assign(second, bind(mb, Alpha, second)))

	assert.True(t, first.(*memstream.Conn).Disconnected())
	assert.False(t, second.(*memstream.Conn).Disconnected())
	assert.Equal(t, second.ID(), s.status().ConnID)

	require.NoError(t, s.clear())
	require.NoError(t, s.clear())
	assert.False(t, s.Occupied())
	assert.True(t, second.(*memstream.Conn).Disconnected())
}

func TestBindingReleaseReturnsBufferedInOrder(t *testing.T) {
	n := memstream.New()
	conn, err := n.Dial(context.Background(), &transport.Request{})
	require.NoError(t, err)
	c := conn.(*memstream.Conn)

	mb := newMailbox()
	c.StartBuffering(transport.ChannelData)
	b := bind(mb, Beta, c)

	c.Send([]byte("1"))
	c.Send([]byte("2"))

	got := b.release()
	require.Len(t, got, 2)
	assert.Equal(t, "1", string(got[0]))
	assert.Equal(t, "2", string(got[1]))

	// Only the response lengths went through the mailbox.
	for {
		item, ok := mb.pop()
		if !ok {
			break
		}
		assert.Equal(t, transport.ChannelResponseLength, item.(notification).ch)
	}

	c.Send([]byte("3"))
	item, ok := mb.pop()
	require.True(t, ok)
	assert.Equal(t, "3", string(item.(notification).payload))
}

func TestMailboxFIFOAndClose(t *testing.T) {
	mb := newMailbox()
	require.True(t, mb.post(1))
	require.True(t, mb.post(2))

	item, ok := mb.pop()
	require.True(t, ok)
	assert.Equal(t, 1, item)

	rest := mb.close()
	assert.Equal(t, []any{2}, rest)
	assert.False(t, mb.post(3))
	_, ok = mb.pop()
	assert.False(t, ok)
}
