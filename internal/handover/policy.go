package handover

import (
	"fmt"

	"github.com/ggoodman/dualstream/transport"
)

// ErrorKind classifies a failed dial.
type ErrorKind int

const (
	KindFailure ErrorKind = iota
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindFailure:
		return "failure"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify reports KindTimeout for request timeouts and KindFailure for
// everything else.
func Classify(err error) ErrorKind {
	if transport.IsTimeout(err) {
		return KindTimeout
	}
	return KindFailure
}

// Triggers selects which conditions authorize a reconnect.
type Triggers struct {
	Failure            bool
	Timeout            bool
	DisconnectByServer bool
	// ResponseLength is the response size, in characters, above which the
	// primary is proactively replaced.
	ResponseLength int64
}

// Policy holds the normalized reconnect configuration. Its methods are pure.
type Policy struct {
	Triggers     Triggers
	AttemptLimit int
	WithHandover bool
}

// RetryConnect reports whether a failed dial of the given kind is retried
// at the current attempt number.
func (p Policy) RetryConnect(kind ErrorKind, attempt int) bool {
	enabled := p.Triggers.Failure
	if kind == KindTimeout {
		enabled = p.Triggers.Timeout
	}
	return enabled && attempt < p.AttemptLimit
}

// ReconnectOnDisconnect reports whether a disconnect of the primary starts a
// reconnect. A nil err is a clean server disconnect.
func (p Policy) ReconnectOnDisconnect(err error, attempt int) bool {
	enabled := p.Triggers.DisconnectByServer
	if err != nil {
		enabled = p.Triggers.Failure
	}
	return enabled && attempt < p.AttemptLimit
}

// ReconnectOnLength reports whether a response length reported by the
// primary starts a handover.
func (p Policy) ReconnectOnLength(length int64, inProgress bool) bool {
	if inProgress {
		return false
	}
	return length > p.Triggers.ResponseLength
}
