package handover

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/ggoodman/dualstream/internal/logctx"
	"github.com/ggoodman/dualstream/internal/metrics"
	"github.com/ggoodman/dualstream/transport"
)

// DefaultEventBuffer is the capacity of the consumer event channel.
const DefaultEventBuffer = 64

// Config carries everything a Coordinator needs. Policy must already be
// normalized.
type Config struct {
	ID          string
	Dialer      transport.Dialer
	Request     *transport.Request
	Policy      Policy
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	EventBuffer int
}

// Coordinator runs the slot state machine on its own goroutine.
type Coordinator struct {
	id      string
	dialer  transport.Dialer
	req     *transport.Request
	policy  Policy
	log     *slog.Logger
	logCtx  context.Context
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mb       *mailbox
	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	initial  chan error

	teardownErr error

	// Owned by run.
	state     State
	slots     map[SlotName]*Slot
	seq       *sequence
	seqID     uint64
	handover  handoverRun
	connected bool
	exit      bool
}

// handoverRun describes the handover in progress.
type handoverRun struct {
	from         SlotName
	to           SlotName
	withHandover bool
}

type reconnectCmd struct{ reply chan error }

type statusCmd struct{ reply chan Status }

// Start launches the coordinator and the initial connect sequence on alpha.
// Use WaitConnected to learn its outcome.
func Start(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	target := ""
	if cfg.Request != nil {
		target = cfg.Request.Target
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:      cfg.ID,
		dialer:  cfg.Dialer,
		req:     cfg.Request,
		policy:  cfg.Policy,
		log:     log,
		logCtx:  logctx.WithReceiverData(context.Background(), &logctx.ReceiverData{ReceiverID: cfg.ID, Target: target}),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		mb:      newMailbox(),
		events:  make(chan Event, buf),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		initial: make(chan error, 1),
		state:   State{Primary: Alpha, ConnectionAttempt: 1, Phase: PhaseStable},
		slots: map[SlotName]*Slot{
			Alpha: newSlot(Alpha),
			Beta:  newSlot(Beta),
		},
	}
	c.metrics.SetPrimary(string(Alpha), string(Alpha), string(Beta))

	c.startSequence(Alpha, purposeInitial)
	go c.run()
	return c
}

// Events returns the consumer notification channel. It is closed once the
// coordinator has shut down.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Done is closed once the coordinator has shut down.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// WaitConnected blocks until the initial connect sequence finishes and
// returns its error. A failed initial sequence shuts the coordinator down.
func (c *Coordinator) WaitConnected(ctx context.Context) error {
	select {
	case err := <-c.initial:
		return err
	case <-c.done:
		select {
		case err := <-c.initial:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect requests a manual handover of the current primary.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.mb.post(reconnectCmd{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the state and both slots.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !c.mb.post(statusCmd{reply: reply}) {
		return Status{}, ErrClosed
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return Status{}, ErrClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Stop tears down both slots regardless of any handover in progress and
// waits for the coordinator goroutine to exit. Only the first call reports
// teardown errors.
func (c *Coordinator) Stop() error {
	first := false
	c.stopOnce.Do(func() {
		first = true
		close(c.stop)
	})
	<-c.done
	if !first {
		return nil
	}
	return c.teardownErr
}

func (c *Coordinator) run() {
	defer c.shutdown()
	for {
		item, ok := c.mb.pop()
		if !ok {
			select {
			case <-c.stop:
				return
			case <-c.mb.ready:
			}
			continue
		}

		select {
		case <-c.stop:
			c.discard(item)
			return
		default:
		}

		c.handle(item)
		if c.exit {
			return
		}
	}
}

func (c *Coordinator) shutdown() {
	c.cancel()
	for _, item := range c.mb.close() {
		c.discard(item)
	}

	var err error
	for _, name := range []SlotName{Alpha, Beta} {
		err = multierr.Append(err, c.slots[name].clear())
	}
	c.teardownErr = err
	c.log.DebugContext(c.logCtx, "receiver stopped")

	close(c.events)
	close(c.done)
}

// discard releases whatever an unprocessed mailbox item holds.
func (c *Coordinator) discard(item any) {
	switch it := item.(type) {
	case dialResult:
		if it.conn != nil {
			_ = it.conn.Disconnect()
		}
	case reconnectCmd:
		it.reply <- ErrClosed
	}
}

func (c *Coordinator) handle(item any) {
	switch it := item.(type) {
	case notification:
		c.handleNotification(it)
	case dialResult:
		c.handleDial(it)
	case reconnectCmd:
		it.reply <- c.manualReconnect()
	case statusCmd:
		it.reply <- c.status()
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *Coordinator) forward(kind EventKind, payload []byte) {
	c.metrics.Forward(kind.String())
	c.emit(Event{Kind: kind, Payload: payload})
}

func (c *Coordinator) status() Status {
	return Status{
		State: c.state,
		Alpha: c.slots[Alpha].status(),
		Beta:  c.slots[Beta].status(),
	}
}

func (c *Coordinator) slotCtx(slot SlotName, connID string) context.Context {
	return logctx.WithSlotData(c.logCtx, &logctx.SlotData{
		Slot:    string(slot),
		ConnID:  connID,
		Attempt: c.state.ConnectionAttempt,
	})
}

func (c *Coordinator) setPrimary(slot SlotName) {
	c.state.Primary = slot
	c.metrics.SetPrimary(string(slot), string(Alpha), string(Beta))
}

func (c *Coordinator) manualReconnect() error {
	if !c.connected {
		return ErrNotConnected
	}
	if c.state.ReconnectInProgress {
		return ErrReconnectInProgress
	}
	c.trigger(c.policy.WithHandover)
	return nil
}

// trigger starts a handover from the current primary to its sibling.
func (c *Coordinator) trigger(withHandover bool) {
	from := c.state.Primary
	c.handover = handoverRun{from: from, to: from.Sibling(), withHandover: withHandover}
	c.log.InfoContext(c.logCtx, "reconnecting",
		slog.String("from", string(from)),
		slog.Bool("with_handover", withHandover),
	)

	c.emit(Event{Kind: EventReconnect})
	c.state.ReconnectInProgress = true
	c.state.Phase = PhaseEstablishingSecondary
	c.startSequence(c.handover.to, purposeHandover)
}

// directReconnect abandons a secondary that dropped during the boundary
// wait and connects the same slot again without buffering.
func (c *Coordinator) directReconnect() {
	h := c.handover
	c.log.InfoContext(c.slotCtx(h.to, ""), "secondary lost during boundary wait, reconnecting directly")
	if err := c.slots[h.to].clear(); err != nil {
		c.log.WarnContext(c.logCtx, "failed to clear secondary", slog.String("err", err.Error()))
	}
	c.handover.withHandover = false

	c.emit(Event{Kind: EventReconnect})
	c.state.Phase = PhaseEstablishingSecondary
	c.startSequence(h.to, purposeHandover)
}

func (c *Coordinator) sequenceDone(seq *sequence, conn transport.Connection) {
	if seq.purpose == purposeInitial {
		c.install(seq.slot, conn)
		c.setPrimary(seq.slot)
		c.connected = true
		c.initial <- nil
		return
	}

	h := c.handover
	old := c.slots[h.from]
	boundary := h.withHandover && old.Occupied() && !old.Conn().IsIdle()
	if !boundary {
		c.install(h.to, conn)
		c.finishHandover(metrics.OutcomeImmediate, false)
		return
	}

	// Buffer before the listener exists so no unit slips through unbuffered.
	conn.StartBuffering(transport.ChannelData)
	c.install(h.to, conn)
	c.state.Phase = PhaseBoundaryWait
	c.log.DebugContext(c.slotCtx(h.to, conn.ID()), "waiting for boundary unit", slog.String("old", string(h.from)))
}

func (c *Coordinator) sequenceFailed(seq *sequence, err *ConnectError) {
	if seq.purpose == purposeInitial {
		c.initial <- err
		c.exit = true
		return
	}

	h := c.handover
	c.metrics.Handover(metrics.OutcomeFailed)
	c.setPrimary(h.to)
	for _, name := range []SlotName{h.from, h.to} {
		if cerr := c.slots[name].clear(); cerr != nil {
			c.log.WarnContext(c.logCtx, "failed to clear slot", slog.String("slot", string(name)), slog.String("err", cerr.Error()))
		}
	}
	c.state.ReconnectInProgress = false
	c.state.Phase = PhaseStable
	c.handover = handoverRun{}

	c.emit(Event{Kind: EventDisconnect, Err: err})
}

// finishHandover makes the secondary primary and drops the old slot. With
// release set, data buffered on the new connection is forwarded before
// Reconnected.
func (c *Coordinator) finishHandover(outcome string, release bool) {
	h := c.handover
	c.setPrimary(h.to)
	if err := c.slots[h.from].clear(); err != nil {
		c.log.WarnContext(c.logCtx, "failed to disconnect old primary", slog.String("err", err.Error()))
	}
	c.state.ReconnectInProgress = false
	c.state.Phase = PhaseStable
	c.handover = handoverRun{}

	if release {
		if b := c.slots[h.to].binding; b != nil {
			for _, p := range b.release() {
				c.forward(EventData, p)
			}
		}
	}

	c.metrics.Handover(outcome)
	c.log.InfoContext(c.logCtx, "reconnected", slog.String("primary", string(h.to)), slog.String("outcome", outcome))
	c.emit(Event{Kind: EventReconnected})
}

func (c *Coordinator) handleNotification(n notification) {
	slot := n.b.slot
	kind := n.ch.String()
	if c.slots[slot].binding != n.b {
		c.metrics.Drop(kind)
		return
	}
	primary := slot == c.state.Primary

	switch n.ch {
	case transport.ChannelData:
		if !primary {
			c.metrics.Drop(kind)
			return
		}
		if c.state.Phase == PhaseBoundaryWait {
			// The boundary unit itself is not forwarded.
			c.finishHandover(metrics.OutcomeBoundary, true)
			return
		}
		c.forward(EventData, n.payload)

	case transport.ChannelHeartbeat:
		if !primary {
			c.metrics.Drop(kind)
			return
		}
		c.forward(EventHeartbeat, nil)

	case transport.ChannelResponseLength:
		if primary && c.policy.ReconnectOnLength(n.length, c.state.ReconnectInProgress) {
			c.log.InfoContext(c.slotCtx(slot, n.b.conn.ID()), "response length over threshold", slog.Int64("length", n.length))
			c.trigger(c.policy.WithHandover)
		}

	case transport.ChannelDisconnect:
		c.handleDisconnect(n)
	}
}

func (c *Coordinator) handleDisconnect(n notification) {
	slot := n.b.slot
	ctx := c.slotCtx(slot, n.b.conn.ID())
	if n.err != nil {
		c.log.InfoContext(ctx, "connection lost", slog.String("err", n.err.Error()))
	} else {
		c.log.InfoContext(ctx, "connection closed by server")
	}

	if slot != c.state.Primary {
		if c.state.ReconnectInProgress {
			if c.state.Phase == PhaseBoundaryWait && slot == c.handover.to {
				c.directReconnect()
			}
			return
		}
		c.clearLogged(slot)
		return
	}

	if c.state.ReconnectInProgress {
		// The old primary went away mid-handover.
		if c.state.Phase == PhaseBoundaryWait {
			c.finishHandover(metrics.OutcomeImmediate, true)
			return
		}
		c.clearLogged(slot)
		return
	}

	if c.policy.ReconnectOnDisconnect(n.err, c.state.ConnectionAttempt) {
		c.clearLogged(slot)
		c.trigger(false)
		return
	}

	c.clearLogged(slot)
	c.emit(Event{Kind: EventDisconnect, Err: n.err})
}

func (c *Coordinator) clearLogged(slot SlotName) {
	if err := c.slots[slot].clear(); err != nil {
		c.log.WarnContext(c.logCtx, "failed to clear slot", slog.String("slot", string(slot)), slog.String("err", err.Error()))
	}
}
