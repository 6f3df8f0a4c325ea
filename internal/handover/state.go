package handover

import "fmt"

// Phase is the coordinator's position in a handover.
type Phase int

const (
	// PhaseStable means no handover is running.
	PhaseStable Phase = iota
	// PhaseEstablishingSecondary means the non-primary slot is being
	// connected.
	PhaseEstablishingSecondary
	// PhaseBoundaryWait means the secondary is live and buffering data until
	// the old primary produces its next data unit.
	PhaseBoundaryWait
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseEstablishingSecondary:
		return "establishing_secondary"
	case PhaseBoundaryWait:
		return "boundary_wait"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the receiver state owned by the coordinator goroutine.
type State struct {
	Primary             SlotName
	ConnectionAttempt   int
	ReconnectInProgress bool
	Phase               Phase
}

// SlotStatus describes one slot in a Status snapshot.
type SlotStatus struct {
	Occupied bool
	ConnID   string
}

// Status is a point-in-time snapshot of a coordinator.
type Status struct {
	State
	Alpha SlotStatus
	Beta  SlotStatus
}

// EventKind identifies a consumer notification.
type EventKind int

const (
	EventData EventKind = iota + 1
	EventHeartbeat
	EventDisconnect
	EventReconnect
	EventReconnected
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventHeartbeat:
		return "heartbeat"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	case EventReconnected:
		return "reconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one notification delivered to the consumer. Payload is set for
// EventData; Err may be set for EventDisconnect and is nil for a clean server
// disconnect.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
}
