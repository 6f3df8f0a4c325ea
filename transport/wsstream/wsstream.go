// Package wsstream reads a stream from a WebSocket. Every message is a data
// unit; empty messages and pings are heartbeats; a normal close frame is a
// clean server disconnect.
package wsstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/credentials"
)

const writeWait = 5 * time.Second

// Option customizes a Dialer.
type Option func(*Dialer)

// WithWebsocketDialer overrides the gorilla dialer, for example to set TLS
// configuration. HandshakeTimeout is replaced by Request.Timeout.
func WithWebsocketDialer(wd *websocket.Dialer) Option {
	return func(d *Dialer) {
		if wd != nil {
			d.ws = wd
		}
	}
}

// WithTokenSource presents a bearer token in the handshake.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(d *Dialer) {
		if ts != nil {
			d.tokens = ts
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.log = l
		}
	}
}

// WithEmitterOptions configures idle detection of created connections.
func WithEmitterOptions(opts ...transport.EmitterOption) Option {
	return func(d *Dialer) {
		d.emitterOpts = append(d.emitterOpts, opts...)
	}
}

// Dialer implements transport.Dialer over WebSocket.
type Dialer struct {
	ws          *websocket.Dialer
	tokens      credentials.TokenSource
	log         *slog.Logger
	emitterOpts []transport.EmitterOption
}

// New constructs a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		ws:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial performs the handshake against req.Target (ws:// or wss://).
func (d *Dialer) Dial(ctx context.Context, req *transport.Request) (transport.Connection, error) {
	if req == nil {
		return nil, errors.New("wsstream: request is required")
	}

	header := http.Header{}
	for k, v := range req.Header {
		header.Set(k, v)
	}
	if d.tokens != nil {
		tok, err := d.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("wsstream: token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	dctx, cancel := context.WithTimeout(ctx, req.EffectiveTimeout())
	defer cancel()
	ws, resp, err := d.ws.DialContext(dctx, req.Target, header)
	if err != nil {
		if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("wsstream: %s: %w", req.Target, transport.ErrRequestTimeout)
		}
		if resp != nil {
			return nil, fmt.Errorf("wsstream: %s: handshake status %s: %w", req.Target, resp.Status, err)
		}
		return nil, fmt.Errorf("wsstream: %s: %w", req.Target, err)
	}

	c := &Conn{
		Emitter: transport.NewEmitter(d.emitterOpts...),
		id:      uuid.NewString(),
		ws:      ws,
	}
	c.log = d.log.With(slog.String("target", req.Target), slog.String("conn_id", c.id))
	ws.SetPingHandler(func(appData string) error {
		c.EmitHeartbeat()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go c.readLoop()
	c.log.Debug("wsstream.connected")
	return c, nil
}

// Conn is one WebSocket stream.
type Conn struct {
	*transport.Emitter

	id  string
	ws  *websocket.Conn
	log *slog.Logger

	once sync.Once
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Disconnect sends a normal close frame and closes the socket.
func (c *Conn) Disconnect() error {
	var err error
	c.once.Do(func() {
		c.Close()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.ws.Close()
		c.log.Debug("wsstream.disconnected")
	})
	return err
}

func (c *Conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.Closed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.EmitDisconnect(nil)
				return
			}
			c.log.Warn("wsstream.read.fail", slog.String("err", err.Error()))
			c.EmitDisconnect(err)
			return
		}

		if len(bytes.TrimSpace(msg)) == 0 {
			c.EmitHeartbeat()
		} else {
			c.EmitData(msg)
		}
		c.CountResponse(int64(utf8.RuneCount(msg)))
	}
}

var (
	_ transport.Dialer     = (*Dialer)(nil)
	_ transport.Connection = (*Conn)(nil)
)
