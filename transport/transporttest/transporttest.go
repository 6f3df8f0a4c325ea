package transporttest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/dualstream/transport"
)

// ErrUnsupported is returned by a Peer method the transport cannot express.
// The corresponding test is skipped.
var ErrUnsupported = errors.New("transporttest: unsupported")

// Peer plays the remote end of every connection the fixture's Dialer opens.
// Methods block until at least one connection is open at the peer.
type Peer interface {
	// Send delivers payload as one data unit.
	Send(ctx context.Context, payload []byte) error
	// Heartbeat delivers a liveness signal without payload.
	Heartbeat(ctx context.Context) error
	// Hangup closes the stream cleanly from the remote side.
	Hangup(ctx context.Context) error
}

// Fixture is one isolated transport under test.
type Fixture struct {
	Dialer  transport.Dialer
	Request *transport.Request
	Peer    Peer
}

// Factory creates a new Fixture for each test.
type Factory func(t *testing.T) Fixture

// RunConnectionTests runs the complete transport contract suite against the
// provided factory.
func RunConnectionTests(t *testing.T, factory Factory) {
	t.Run("Data_DeliveredInOrder", func(t *testing.T) { testDataDeliveredInOrder(t, factory) })
	t.Run("Heartbeat_Delivered", func(t *testing.T) { testHeartbeatDelivered(t, factory) })
	t.Run("ResponseLength_Grows", func(t *testing.T) { testResponseLengthGrows(t, factory) })
	t.Run("Buffering_HoldsAndReleasesInOrder", func(t *testing.T) { testBufferingHoldsAndReleases(t, factory) })
	t.Run("Idle_UntilDataArrives", func(t *testing.T) { testIdleUntilData(t, factory) })
	t.Run("Hangup_EmitsCleanDisconnect", func(t *testing.T) { testHangupEmitsCleanDisconnect(t, factory) })
	t.Run("Disconnect_IsIdempotentAndSilent", func(t *testing.T) { testDisconnectIdempotent(t, factory) })
	t.Run("Listener_RemovedStopsDelivery", func(t *testing.T) { testListenerRemoved(t, factory) })
	t.Run("Notifications_HeldUntilFirstListener", func(t *testing.T) { testNotificationsBeforeListenerHeld(t, factory) })
}

// collector records notifications from one connection.
type collector struct {
	mu          sync.Mutex
	data        [][]byte
	heartbeats  int
	lengths     []int64
	disconnects []error
	changed     chan struct{}
}

func newCollector() *collector {
	return &collector{changed: make(chan struct{}, 1)}
}

func (c *collector) listener() transport.Listener {
	return transport.Listener{
		OnData: func(p []byte) {
			c.mu.Lock()
			c.data = append(c.data, append([]byte(nil), p...))
			c.mu.Unlock()
			c.signal()
		},
		OnHeartbeat: func() {
			c.mu.Lock()
			c.heartbeats++
			c.mu.Unlock()
			c.signal()
		},
		OnResponseLength: func(n int64) {
			c.mu.Lock()
			c.lengths = append(c.lengths, n)
			c.mu.Unlock()
			c.signal()
		},
		OnDisconnect: func(err error) {
			c.mu.Lock()
			c.disconnects = append(c.disconnects, err)
			c.mu.Unlock()
			c.signal()
		},
	}
}

func (c *collector) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// waitUntil polls cond after every notification until it holds or the
// timeout elapses.
func (c *collector) waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		ok := cond()
		c.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-c.changed:
		case <-time.After(20 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("timeout waiting for %s", what)
		}
	}
}

func dial(t *testing.T, f Fixture) (transport.Connection, *collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := f.Dialer.Dial(ctx, f.Request)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect() })
	if conn.ID() == "" {
		t.Fatalf("expected non-empty connection id")
	}
	col := newCollector()
	conn.AddListener(col.listener())
	return conn, col
}

func peerCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testDataDeliveredInOrder(t *testing.T, factory Factory) {
	f := factory(t)
	_, col := dial(t, f)
	ctx := peerCtx(t)

	want := [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`)}
	for _, p := range want {
		if err := f.Peer.Send(ctx, p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	col.waitUntil(t, "three data units", func() bool { return len(col.data) >= len(want) })

	col.mu.Lock()
	defer col.mu.Unlock()
	for i := range want {
		if !bytes.Equal(col.data[i], want[i]) {
			t.Fatalf("unit %d: expected %q, got %q", i, want[i], col.data[i])
		}
	}
}

func testHeartbeatDelivered(t *testing.T, factory Factory) {
	f := factory(t)
	_, col := dial(t, f)

	if err := f.Peer.Heartbeat(peerCtx(t)); err != nil {
		if errors.Is(err, ErrUnsupported) {
			t.Skip("transport has no explicit heartbeat")
		}
		t.Fatalf("heartbeat: %v", err)
	}
	col.waitUntil(t, "heartbeat", func() bool { return col.heartbeats >= 1 })

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.data) != 0 {
		t.Fatalf("heartbeat must not produce data, got %d units", len(col.data))
	}
}

func testResponseLengthGrows(t *testing.T, factory Factory) {
	f := factory(t)
	_, col := dial(t, f)
	ctx := peerCtx(t)

	p1 := []byte(`{"first":true}`)
	p2 := []byte(`{"second":true}`)
	if err := f.Peer.Send(ctx, p1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.Peer.Send(ctx, p2); err != nil {
		t.Fatalf("send: %v", err)
	}

	min := int64(len(p1) + len(p2))
	col.waitUntil(t, "response length", func() bool {
		return len(col.lengths) > 0 && col.lengths[len(col.lengths)-1] >= min
	})

	col.mu.Lock()
	defer col.mu.Unlock()
	for i := 1; i < len(col.lengths); i++ {
		if col.lengths[i] < col.lengths[i-1] {
			t.Fatalf("response length decreased: %v", col.lengths)
		}
	}
}

func testBufferingHoldsAndReleases(t *testing.T, factory Factory) {
	f := factory(t)
	conn, col := dial(t, f)
	ctx := peerCtx(t)

	conn.StartBuffering(transport.ChannelData)
	for _, p := range []string{"a", "b", "c"} {
		if err := f.Peer.Send(ctx, []byte(`"`+p+`"`)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// Response length is not buffered, so it proves the units arrived.
	col.waitUntil(t, "units to arrive", func() bool {
		return len(col.lengths) > 0 && col.lengths[len(col.lengths)-1] >= 9
	})
	col.mu.Lock()
	held := len(col.data)
	col.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected no data while buffering, got %d", held)
	}

	conn.StopBuffering(transport.ChannelData)

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.data) != 3 {
		t.Fatalf("expected 3 released units before StopBuffering returned, got %d", len(col.data))
	}
	for i, want := range []string{`"a"`, `"b"`, `"c"`} {
		if string(col.data[i]) != want {
			t.Fatalf("unit %d: expected %s, got %s", i, want, col.data[i])
		}
	}
}

func testIdleUntilData(t *testing.T, factory Factory) {
	f := factory(t)
	conn, col := dial(t, f)

	if !conn.IsIdle() {
		t.Fatalf("expected a fresh connection to be idle")
	}
	if err := f.Peer.Send(peerCtx(t), []byte(`{"busy":true}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	col.waitUntil(t, "data", func() bool { return len(col.data) == 1 })
	if conn.IsIdle() {
		t.Fatalf("expected connection with fresh data to be busy")
	}
}

func testHangupEmitsCleanDisconnect(t *testing.T, factory Factory) {
	f := factory(t)
	_, col := dial(t, f)

	if err := f.Peer.Hangup(peerCtx(t)); err != nil {
		if errors.Is(err, ErrUnsupported) {
			t.Skip("transport has no clean remote hangup")
		}
		t.Fatalf("hangup: %v", err)
	}
	col.waitUntil(t, "disconnect", func() bool { return len(col.disconnects) >= 1 })

	// Give a duplicate a chance to show up.
	time.Sleep(50 * time.Millisecond)
	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.disconnects) != 1 {
		t.Fatalf("expected exactly one disconnect, got %d", len(col.disconnects))
	}
	if col.disconnects[0] != nil {
		t.Fatalf("expected clean disconnect, got %v", col.disconnects[0])
	}
}

// testNotificationsBeforeListenerHeld lets the peer send and hang up before
// any listener exists; the first listener must still see all of it.
func testNotificationsBeforeListenerHeld(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := f.Dialer.Dial(ctx, f.Request)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect() })

	pctx := peerCtx(t)
	want := [][]byte{[]byte(`{"early":1}`), []byte(`{"early":2}`)}
	for _, p := range want {
		if err := f.Peer.Send(pctx, p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	hungUp := true
	if err := f.Peer.Hangup(pctx); err != nil {
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("hangup: %v", err)
		}
		hungUp = false
	}

	// Let the transport read everything while nobody is listening.
	time.Sleep(200 * time.Millisecond)

	col := newCollector()
	conn.AddListener(col.listener())
	col.waitUntil(t, "early data units", func() bool { return len(col.data) >= len(want) })
	if hungUp {
		col.waitUntil(t, "early disconnect", func() bool { return len(col.disconnects) >= 1 })
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	for i := range want {
		if !bytes.Equal(col.data[i], want[i]) {
			t.Fatalf("unit %d: expected %q, got %q", i, want[i], col.data[i])
		}
	}
	if hungUp && col.disconnects[0] != nil {
		t.Fatalf("expected clean disconnect, got %v", col.disconnects[0])
	}
}

func testDisconnectIdempotent(t *testing.T, factory Factory) {
	f := factory(t)
	conn, col := dial(t, f)

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.disconnects) != 0 {
		t.Fatalf("local disconnect must not notify listeners, got %v", col.disconnects)
	}
}

func testListenerRemoved(t *testing.T, factory Factory) {
	f := factory(t)
	conn, col := dial(t, f)
	ctx := peerCtx(t)

	other := newCollector()
	remove := conn.AddListener(other.listener())

	if err := f.Peer.Send(ctx, []byte(`1`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	other.waitUntil(t, "first unit", func() bool { return len(other.data) == 1 })
	remove()

	if err := f.Peer.Send(ctx, []byte(`2`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	col.waitUntil(t, "second unit", func() bool { return len(col.data) == 2 })

	other.mu.Lock()
	defer other.mu.Unlock()
	if len(other.data) != 1 {
		t.Fatalf("removed listener received %d units", len(other.data))
	}
}
