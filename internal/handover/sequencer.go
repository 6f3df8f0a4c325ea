package handover

import (
	"log/slog"

	"github.com/ggoodman/dualstream/internal/metrics"
	"github.com/ggoodman/dualstream/transport"
)

type purpose int

const (
	purposeInitial purpose = iota
	purposeHandover
)

// sequence is one run of connect attempts against a single slot.
type sequence struct {
	id      uint64
	slot    SlotName
	purpose purpose
}

// dialResult is posted by the dial goroutine of one attempt.
type dialResult struct {
	seq  uint64
	conn transport.Connection
	err  error
}

func (c *Coordinator) startSequence(slot SlotName, p purpose) {
	c.seqID++
	c.seq = &sequence{id: c.seqID, slot: slot, purpose: p}
	c.attempt(c.seq)
}

// attempt empties the slot and dials on a new goroutine. The result comes
// back through the mailbox; if the coordinator is gone by then the
// connection is closed on the spot.
func (c *Coordinator) attempt(seq *sequence) {
	if err := c.slots[seq.slot].clear(); err != nil {
		c.log.WarnContext(c.logCtx, "failed to clear slot before dial", slog.String("slot", string(seq.slot)), slog.String("err", err.Error()))
	}
	c.log.DebugContext(c.slotCtx(seq.slot, ""), "dialing")

	id := seq.id
	go func() {
		conn, err := c.dialer.Dial(c.ctx, c.req)
		if err != nil && conn != nil {
			_ = conn.Disconnect()
			conn = nil
		}
		if !c.mb.post(dialResult{seq: id, conn: conn, err: err}) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
}

func (c *Coordinator) handleDial(res dialResult) {
	seq := c.seq
	if seq == nil || res.seq != seq.id {
		if res.conn != nil {
			_ = res.conn.Disconnect()
		}
		return
	}

	if res.err != nil {
		kind := Classify(res.err)
		result := metrics.ResultFailure
		if kind == KindTimeout {
			result = metrics.ResultTimeout
		}
		c.metrics.ConnectAttempt(string(seq.slot), result)

		if c.policy.RetryConnect(kind, c.state.ConnectionAttempt) {
			c.state.ConnectionAttempt++
			c.log.InfoContext(c.slotCtx(seq.slot, ""), "connect attempt failed, retrying",
				slog.String("kind", kind.String()),
				slog.String("err", res.err.Error()),
			)
			c.attempt(seq)
			return
		}

		c.seq = nil
		cerr := &ConnectError{Slot: seq.slot, Attempts: c.state.ConnectionAttempt, Kind: kind, Err: res.err}
		c.log.WarnContext(c.slotCtx(seq.slot, ""), "connect attempts exhausted", slog.String("err", res.err.Error()))
		c.sequenceFailed(seq, cerr)
		return
	}

	c.seq = nil
	c.state.ConnectionAttempt = 1
	c.metrics.ConnectAttempt(string(seq.slot), metrics.ResultSuccess)
	c.log.InfoContext(c.slotCtx(seq.slot, res.conn.ID()), "connected")
	c.sequenceDone(seq, res.conn)
}

// install registers the bridge on conn and stores it in slot.
func (c *Coordinator) install(slot SlotName, conn transport.Connection) {
	b := bind(c.mb, slot, conn)
	if err := c.slots[slot].assign(conn, b); err != nil {
		c.log.WarnContext(c.logCtx, "failed to disconnect replaced connection", slog.String("slot", string(slot)), slog.String("err", err.Error()))
	}
}
