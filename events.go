package dualstream

import "github.com/ggoodman/dualstream/internal/handover"

// Event is one notification on Receiver.Events.
type Event = handover.Event

// EventKind identifies an Event.
type EventKind = handover.EventKind

const (
	// EventData carries one payload unit from the primary connection.
	EventData = handover.EventData
	// EventHeartbeat signals the primary connection is alive.
	EventHeartbeat = handover.EventHeartbeat
	// EventDisconnect reports that the receiver lost its stream and will
	// not recover on its own. Err is nil for a clean server disconnect.
	EventDisconnect = handover.EventDisconnect
	// EventReconnect reports that a replacement connection is being set up.
	EventReconnect = handover.EventReconnect
	// EventReconnected reports that the replacement is now primary.
	EventReconnected = handover.EventReconnected
)

// Status is a snapshot of a receiver.
type Status = handover.Status

// SlotStatus describes one slot in a Status.
type SlotStatus = handover.SlotStatus

// Phase is the handover phase reported in a Status.
type Phase = handover.Phase

const (
	PhaseStable                = handover.PhaseStable
	PhaseEstablishingSecondary = handover.PhaseEstablishingSecondary
	PhaseBoundaryWait          = handover.PhaseBoundaryWait
)

// SlotName identifies one of the two connection slots.
type SlotName = handover.SlotName

const (
	SlotAlpha = handover.Alpha
	SlotBeta  = handover.Beta
)
