package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrRequestTimeout is returned by a Dialer when the remote end did not
// answer within Request.Timeout. Receivers treat it as a timeout-class
// connect failure.
var ErrRequestTimeout = errors.New("transport: request timeout")

// ErrClosed is returned by operations on a connection that was already
// disconnected.
var ErrClosed = errors.New("transport: connection closed")

// DefaultRequestTimeout bounds how long a Dialer waits for the first response
// when Request.Timeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Channel names one notification stream of a Connection.
type Channel int

const (
	ChannelData Channel = iota
	ChannelHeartbeat
	ChannelDisconnect
	ChannelResponseLength

	numChannels
)

func (c Channel) String() string {
	switch c {
	case ChannelData:
		return "data"
	case ChannelHeartbeat:
		return "heartbeat"
	case ChannelDisconnect:
		return "disconnect"
	case ChannelResponseLength:
		return "responseLength"
	default:
		return "unknown"
	}
}

// Request describes what to open. It is handed verbatim to the Dialer; which
// fields matter depends on the implementation.
type Request struct {
	// Target is the URL, stream key, subject or file path to read from.
	Target string
	// Method is the HTTP method used by HTTP based dialers. Empty means GET.
	Method string
	// Header carries extra request headers for HTTP and WebSocket dialers.
	Header map[string]string
	// Body is sent with the request by HTTP based dialers.
	Body []byte
	// Timeout bounds the time until the remote end produces its first
	// response. Zero means DefaultRequestTimeout.
	Timeout time.Duration
}

// EffectiveTimeout returns r.Timeout or DefaultRequestTimeout when unset.
func (r *Request) EffectiveTimeout() time.Duration {
	if r == nil || r.Timeout <= 0 {
		return DefaultRequestTimeout
	}
	return r.Timeout
}

// Listener receives notifications from a Connection. Nil callbacks are
// skipped. Callbacks run on the connection's delivery path and must not block
// or call AddListener/StartBuffering/StopBuffering on the same connection.
type Listener struct {
	OnData           func(payload []byte)
	OnHeartbeat      func()
	OnDisconnect     func(err error)
	OnResponseLength func(length int64)
}

// Connection is one live streaming session.
//
// Notifications of a single connection are delivered in order. A disconnect
// notification is delivered at most once and nothing follows it; a nil error
// means the remote end closed the stream cleanly. Calling Disconnect does not
// produce a disconnect notification.
//
// A connection may receive from the remote end before Dial returns. Nothing
// is lost in that window: notifications, the disconnect included, are held
// until the first AddListener, which receives them in arrival order before
// any later notification. Held notifications of a channel that is buffering
// when the first listener is added stay withheld until StopBuffering.
type Connection interface {
	// ID identifies the connection in logs.
	ID() string

	// IsIdle reports whether no data is currently flowing.
	IsIdle() bool

	// StartBuffering withholds notifications of ch from listeners.
	StartBuffering(ch Channel)

	// StopBuffering resumes delivery of ch. Withheld notifications are
	// delivered in arrival order synchronously, before StopBuffering
	// returns, and no other notification of this connection is delivered
	// concurrently with that release.
	StopBuffering(ch Channel)

	// AddListener registers l and returns a function that removes it.
	AddListener(l Listener) (remove func())

	// Disconnect closes the session. It is safe to call more than once.
	Disconnect() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, req *Request) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, req *Request) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, req *Request) (Connection, error) {
	return f(ctx, req)
}

// IsTimeout reports whether err describes a request timeout rather than a
// general failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
