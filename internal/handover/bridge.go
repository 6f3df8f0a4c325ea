package handover

import (
	"sync"

	"github.com/ggoodman/dualstream/transport"
)

// notification is a transport callback posted to the coordinator. It is
// acted on only while its binding is still the one installed in the slot.
type notification struct {
	b       *binding
	ch      transport.Channel
	payload []byte
	err     error
	length  int64
}

// binding is the listener registration of one connection in one slot.
type binding struct {
	slot   SlotName
	conn   transport.Connection
	mb     *mailbox
	remove func()

	// While capturing, data is collected here instead of posted so that a
	// buffered release can be forwarded before the coordinator continues.
	mu        sync.Mutex
	capturing bool
	captured  [][]byte
}

func bind(mb *mailbox, slot SlotName, conn transport.Connection) *binding {
	b := &binding{slot: slot, conn: conn, mb: mb}
	b.remove = conn.AddListener(b.listener())
	return b
}

func (b *binding) listener() transport.Listener {
	return transport.Listener{
		OnData: func(p []byte) {
			b.mu.Lock()
			if b.capturing {
				b.captured = append(b.captured, p)
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			b.mb.post(notification{b: b, ch: transport.ChannelData, payload: p})
		},
		OnHeartbeat: func() {
			b.mb.post(notification{b: b, ch: transport.ChannelHeartbeat})
		},
		OnDisconnect: func(err error) {
			b.mb.post(notification{b: b, ch: transport.ChannelDisconnect, err: err})
		},
		OnResponseLength: func(n int64) {
			b.mb.post(notification{b: b, ch: transport.ChannelResponseLength, length: n})
		},
	}
}

// release stops data buffering on the connection and returns the units it
// held, in arrival order.
func (b *binding) release() [][]byte {
	b.mu.Lock()
	b.capturing = true
	b.mu.Unlock()

	b.conn.StopBuffering(transport.ChannelData)

	b.mu.Lock()
	out := b.captured
	b.captured = nil
	b.capturing = false
	b.mu.Unlock()
	return out
}

func (b *binding) detach() {
	if b.remove != nil {
		b.remove()
	}
}
