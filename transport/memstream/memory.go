package memstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ggoodman/dualstream/transport"
)

// ErrNoRequest is returned by Dial when the request is nil.
var ErrNoRequest = errors.New("memstream: request is required")

// Network is an in-memory implementation of transport.Dialer. Every
// successful Dial creates a Conn that the test drives from the "server" side.
type Network struct {
	mu       sync.Mutex
	conns    []*Conn
	failures []error
	dials    int
	gate     chan struct{}
	changed  chan struct{}
	opts     []transport.EmitterOption
}

// New constructs a Network. Emitter options apply to every Conn it creates.
func New(opts ...transport.EmitterOption) *Network {
	return &Network{
		changed: make(chan struct{}),
		opts:    opts,
	}
}

// Dial implements transport.Dialer.
func (n *Network) Dial(ctx context.Context, req *transport.Request) (transport.Connection, error) {
	if req == nil {
		return nil, ErrNoRequest
	}

	n.mu.Lock()
	n.dials++
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.failures) > 0 {
		err := n.failures[0]
		n.failures = n.failures[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Conn{
		Emitter: transport.NewEmitter(n.opts...),
		id:      uuid.NewString(),
		target:  req.Target,
	}
	n.conns = append(n.conns, c)
	close(n.changed)
	n.changed = make(chan struct{})
	return c, nil
}

// FailNext queues errors returned by the next len(errs) dials, in order.
func (n *Network) FailNext(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, errs...)
}

// Hold makes subsequent dials wait until the returned release function is
// called.
func (n *Network) Hold() (release func()) {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			if n.gate == gate {
				n.gate = nil
			}
			n.mu.Unlock()
			close(gate)
		})
	}
}

// Dials returns the number of Dial calls so far, failed ones included.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Conns returns the connections created so far in dial order.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Conn, len(n.conns))
	copy(out, n.conns)
	return out
}

// Conn waits for the i-th (zero based) successful dial and returns its
// connection.
func (n *Network) Conn(ctx context.Context, i int) (*Conn, error) {
	for {
		n.mu.Lock()
		if i < len(n.conns) {
			c := n.conns[i]
			n.mu.Unlock()
			return c, nil
		}
		changed := n.changed
		n.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for connection %d: %w", i, ctx.Err())
		}
	}
}

// Live returns the connections that have not been disconnected by either
// side.
func (n *Network) Live() []*Conn {
	var out []*Conn
	for _, c := range n.Conns() {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

const (
	idleAuto int32 = iota
	idleForced
	busyForced
)

// Conn is one in-memory connection. The exported push methods act as the
// remote end.
type Conn struct {
	*transport.Emitter

	id           string
	target       string
	idle         atomic.Int32
	disconnected atomic.Bool
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Target returns the request target the connection was dialed with.
func (c *Conn) Target() string { return c.target }

// Send delivers payload as one data unit and counts it towards the response
// length. An empty payload is a heartbeat.
func (c *Conn) Send(payload []byte) {
	if len(payload) == 0 {
		c.Heartbeat()
		return
	}
	c.EmitData(append([]byte(nil), payload...))
	c.CountResponse(int64(utf8.RuneCount(payload)))
}

// Heartbeat delivers a heartbeat.
func (c *Conn) Heartbeat() { c.EmitHeartbeat() }

// Grow adds chars to the response length without sending data.
func (c *Conn) Grow(chars int64) { c.CountResponse(chars) }

// Hangup ends the connection from the remote side. A nil err is a clean
// server disconnect.
func (c *Conn) Hangup(err error) { c.EmitDisconnect(err) }

// SetIdle pins the IsIdle answer. Use ResetIdle to go back to tracking data.
func (c *Conn) SetIdle(idle bool) {
	if idle {
		c.idle.Store(idleForced)
	} else {
		c.idle.Store(busyForced)
	}
}

// ResetIdle returns IsIdle to data based tracking.
func (c *Conn) ResetIdle() { c.idle.Store(idleAuto) }

// IsIdle implements transport.Connection.
func (c *Conn) IsIdle() bool {
	switch c.idle.Load() {
	case idleForced:
		return true
	case busyForced:
		return false
	default:
		return c.Emitter.IsIdle()
	}
}

// Disconnect implements transport.Connection.
func (c *Conn) Disconnect() error {
	c.disconnected.Store(true)
	c.Close()
	return nil
}

// Disconnected reports whether the local side called Disconnect.
func (c *Conn) Disconnected() bool { return c.disconnected.Load() }

var (
	_ transport.Dialer     = (*Network)(nil)
	_ transport.Connection = (*Conn)(nil)
)
