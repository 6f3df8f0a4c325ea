package dualstream

import (
	"errors"

	"github.com/ggoodman/dualstream/internal/handover"
)

var (
	// ErrMissingParameter is returned by Connect when the dialer or request
	// is nil.
	ErrMissingParameter = errors.New("dualstream: missing parameter")

	// ErrConnectExhausted is wrapped by every *ConnectError: the retry
	// budget ran out before a connection was established.
	ErrConnectExhausted = handover.ErrConnectExhausted

	// ErrReconnectInProgress is returned by Receiver.Reconnect while a
	// handover is running.
	ErrReconnectInProgress = handover.ErrReconnectInProgress

	// ErrNotConnected is returned by a reconnect requested before the first
	// connection is live.
	ErrNotConnected = handover.ErrNotConnected

	// ErrClosed is returned by Receiver methods after Disconnect.
	ErrClosed = handover.ErrClosed
)

// ConnectError is returned by Connect, and carried by Disconnect events,
// when a connect sequence is exhausted. It unwraps to ErrConnectExhausted and
// to the last dial error.
type ConnectError = handover.ConnectError

// ErrorKind classifies the last failed dial of a ConnectError.
type ErrorKind = handover.ErrorKind

const (
	KindFailure = handover.KindFailure
	KindTimeout = handover.KindTimeout
)
