// Package handover implements the dual-slot failover state machine behind a
// dualstream.Receiver.
//
// A Coordinator owns two slots, alpha and beta, each holding at most one
// transport.Connection. Exactly one slot is primary; only its data and
// heartbeats reach the consumer. When the primary fails, is closed by the
// server, or its response grows past the configured threshold, the
// coordinator connects the other slot and moves the primary designation
// over. If the old primary is still streaming, the switch waits for its next
// data unit (the boundary) while the new connection buffers, so the consumer
// sees neither a gap nor an overlap of more than one unit.
//
// All state lives on a single goroutine. Transport listeners, dial goroutines
// and consumer calls post to an unbounded mailbox and never touch slots or
// State directly.
package handover
