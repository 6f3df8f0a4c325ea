package handover

import "sync"

// mailbox is an unbounded FIFO queue feeding the coordinator goroutine.
// Posting never blocks, so transport listeners may post while a connection
// is synchronously delivering from inside the coordinator.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// post enqueues item and reports whether the mailbox was still open.
func (m *mailbox) post(item any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the oldest item.
func (m *mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	item := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return item, true
}

// close rejects further posts and returns whatever was still queued.
func (m *mailbox) close() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.items
	m.items = nil
	return rest
}
