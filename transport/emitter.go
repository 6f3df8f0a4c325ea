package transport

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultIdleAfter is how long a connection must go without data before
// Emitter.IsIdle reports true.
const DefaultIdleAfter = 5 * time.Second

// EmitterOption customizes an Emitter.
type EmitterOption func(*Emitter)

// WithClock overrides the clock used for idle detection.
func WithClock(c clock.Clock) EmitterOption {
	return func(e *Emitter) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIdleAfter overrides DefaultIdleAfter.
func WithIdleAfter(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.idleAfter = d
		}
	}
}

// Emitter implements the listener, buffering and idle-tracking half of
// Connection. Transports embed it and call the Emit methods from their read
// loops, which may start before Dial returns: everything emitted before the
// first AddListener is held and handed to that listener in order.
type Emitter struct {
	clock     clock.Clock
	idleAfter time.Duration

	// deliverMu is held while listeners run so that a buffered release can
	// never interleave with live deliveries.
	deliverMu sync.Mutex

	mu             sync.Mutex
	listeners      []listenerEntry
	nextID         uint64
	buffering      [numChannels]bool
	pending        []notification
	lastData       time.Time
	responseLength int64
	closed         bool
	// attached is set by the first AddListener and never cleared.
	attached bool
}

type listenerEntry struct {
	id uint64
	l  Listener
}

type notification struct {
	ch      Channel
	payload []byte
	err     error
	length  int64
}

// NewEmitter constructs an Emitter with defaults and applies options.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		clock:     clock.New(),
		idleAfter: DefaultIdleAfter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddListener implements Connection. The first call also delivers, in
// arrival order, whatever was emitted before any listener existed, except
// notifications of channels that are still buffering.
func (e *Emitter) AddListener(l Listener) func() {
	e.deliverMu.Lock()
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry{id: id, l: l})
	var held []notification
	if !e.attached {
		e.attached = true
		held = e.takeReleasableLocked(func(Channel) bool { return true })
	}
	ls := e.snapshotLocked()
	e.mu.Unlock()

	for _, n := range held {
		deliver(ls, n)
	}
	e.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, le := range e.listeners {
				if le.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// takeReleasableLocked removes from pending, in order, the notifications
// selected by want whose channel is not buffering. A selected disconnect
// ends the release and drops whatever is still pending.
func (e *Emitter) takeReleasableLocked(want func(Channel) bool) []notification {
	var out []notification
	kept := e.pending[:0]
	for _, n := range e.pending {
		if !want(n.ch) || e.buffering[n.ch] {
			kept = append(kept, n)
			continue
		}
		out = append(out, n)
		if n.ch == ChannelDisconnect {
			e.pending = nil
			return out
		}
	}
	e.pending = kept
	return out
}

// StartBuffering implements Connection.
func (e *Emitter) StartBuffering(ch Channel) {
	if ch < 0 || ch >= numChannels {
		return
	}
	e.mu.Lock()
	e.buffering[ch] = true
	e.mu.Unlock()
}

// StopBuffering implements Connection. Before the first listener is added
// the withheld notifications stay held for it.
func (e *Emitter) StopBuffering(ch Channel) {
	if ch < 0 || ch >= numChannels {
		return
	}
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if !e.buffering[ch] {
		e.mu.Unlock()
		return
	}
	e.buffering[ch] = false
	if !e.attached {
		e.mu.Unlock()
		return
	}
	release := e.takeReleasableLocked(func(c Channel) bool { return c == ch })
	ls := e.snapshotLocked()
	e.mu.Unlock()

	for _, n := range release {
		deliver(ls, n)
	}
}

// Buffering reports whether ch is currently withheld.
func (e *Emitter) Buffering(ch Channel) bool {
	if ch < 0 || ch >= numChannels {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffering[ch]
}

// IsIdle implements Connection. A connection that never produced data is
// idle.
func (e *Emitter) IsIdle() bool {
	e.mu.Lock()
	last := e.lastData
	e.mu.Unlock()
	if last.IsZero() {
		return true
	}
	return e.clock.Since(last) >= e.idleAfter
}

// ResponseLength returns the cumulative characters counted so far.
func (e *Emitter) ResponseLength() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseLength
}

// EmitData delivers one data unit. The payload is not copied.
func (e *Emitter) EmitData(payload []byte) {
	e.mu.Lock()
	if !e.closed {
		e.lastData = e.clock.Now()
	}
	e.mu.Unlock()
	e.emit(notification{ch: ChannelData, payload: payload})
}

// EmitHeartbeat delivers a heartbeat.
func (e *Emitter) EmitHeartbeat() {
	e.emit(notification{ch: ChannelHeartbeat})
}

// CountResponse adds chars to the cumulative response length and delivers
// the new total.
func (e *Emitter) CountResponse(chars int64) {
	if chars <= 0 {
		return
	}
	e.mu.Lock()
	e.responseLength += chars
	total := e.responseLength
	e.mu.Unlock()
	e.emit(notification{ch: ChannelResponseLength, length: total})
}

// EmitDisconnect delivers the terminal disconnect notification. Later calls
// and later notifications of any kind are dropped.
func (e *Emitter) EmitDisconnect(err error) {
	e.emit(notification{ch: ChannelDisconnect, err: err})
}

// Close stops all further deliveries and drops withheld notifications. It
// reports whether this call closed the emitter.
func (e *Emitter) Close() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.pending = nil
	e.listeners = nil
	return true
}

// Closed reports whether the emitter delivered its disconnect or was closed.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Emitter) emit(n notification) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if n.ch == ChannelDisconnect {
		e.closed = true
	}
	if e.buffering[n.ch] || !e.attached {
		e.pending = append(e.pending, n)
		e.mu.Unlock()
		return
	}
	if n.ch == ChannelDisconnect {
		// Nothing may follow a delivered disconnect.
		e.pending = nil
	}
	ls := e.snapshotLocked()
	e.mu.Unlock()

	deliver(ls, n)
}

func (e *Emitter) snapshotLocked() []Listener {
	ls := make([]Listener, len(e.listeners))
	for i, le := range e.listeners {
		ls[i] = le.l
	}
	return ls
}

func deliver(ls []Listener, n notification) {
	for _, l := range ls {
		switch n.ch {
		case ChannelData:
			if l.OnData != nil {
				l.OnData(n.payload)
			}
		case ChannelHeartbeat:
			if l.OnHeartbeat != nil {
				l.OnHeartbeat()
			}
		case ChannelDisconnect:
			if l.OnDisconnect != nil {
				l.OnDisconnect(n.err)
			}
		case ChannelResponseLength:
			if l.OnResponseLength != nil {
				l.OnResponseLength(n.length)
			}
		}
	}
}
