package handover

import (
	"fmt"

	"github.com/ggoodman/dualstream/transport"
)

// SlotName identifies one of the two slots.
type SlotName string

const (
	Alpha SlotName = "alpha"
	Beta  SlotName = "beta"
)

// Sibling returns the other slot.
func (s SlotName) Sibling() SlotName {
	if s == Alpha {
		return Beta
	}
	return Alpha
}

// Slot holds at most one connection together with the binding that forwards
// its notifications.
type Slot struct {
	name    SlotName
	conn    transport.Connection
	binding *binding
}

func newSlot(name SlotName) *Slot {
	return &Slot{name: name}
}

func (s *Slot) Name() SlotName { return s.name }

func (s *Slot) Conn() transport.Connection { return s.conn }

func (s *Slot) Occupied() bool { return s.conn != nil }

func (s *Slot) status() SlotStatus {
	if s.conn == nil {
		return SlotStatus{}
	}
	return SlotStatus{Occupied: true, ConnID: s.conn.ID()}
}

// assign stores conn, disconnecting whatever the slot held before.
func (s *Slot) assign(conn transport.Connection, b *binding) error {
	err := s.clear()
	s.conn = conn
	s.binding = b
	return err
}

// clear detaches and disconnects the held connection. Clearing an empty slot
// is a no-op.
func (s *Slot) clear() error {
	if s.conn == nil {
		return nil
	}
	conn, b := s.conn, s.binding
	s.conn, s.binding = nil, nil
	if b != nil {
		b.detach()
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s (%s): %w", s.name, conn.ID(), err)
	}
	return nil
}
