package handover

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectExhausted is wrapped by every *ConnectError.
	ErrConnectExhausted = errors.New("dualstream: connect attempts exhausted")
	// ErrReconnectInProgress is returned by a manual reconnect while a
	// handover is running.
	ErrReconnectInProgress = errors.New("dualstream: reconnect already in progress")
	// ErrNotConnected is returned by a manual reconnect before the initial
	// connect sequence has succeeded.
	ErrNotConnected = errors.New("dualstream: not connected yet")
	// ErrClosed is returned once the coordinator has shut down.
	ErrClosed = errors.New("dualstream: receiver closed")
)

// ConnectError reports a connect sequence that ran out of attempts.
type ConnectError struct {
	Slot     SlotName
	Attempts int
	Kind     ErrorKind
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("dualstream: connect %s failed after %d attempt(s) (%s): %v", e.Slot, e.Attempts, e.Kind, e.Err)
}

// Unwrap exposes both ErrConnectExhausted and the last dial error to
// errors.Is and errors.As.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectExhausted, e.Err}
}
