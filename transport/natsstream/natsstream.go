// Package natsstream reads a stream from a NATS subject. Each message with a
// body is a data unit, an empty message is a heartbeat and a message carrying
// the EOF header ends the stream cleanly. Losing the server connection is an
// error disconnect; the client never reconnects on its own because the
// receiver decides that.
package natsstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/nats-io/nats.go"

	"github.com/ggoodman/dualstream/transport"
)

// HeaderEOF on a message ends the stream.
const HeaderEOF = "Dualstream-Eof"

// ErrConnectionLost is reported when the server goes away without an EOF
// message.
var ErrConnectionLost = errors.New("natsstream: connection lost")

// Config contains configuration options for the NATS dialer.
type Config struct {
	// URL of the NATS server. ENV: NATS_URL
	URL string
	// Token authenticates the connection. ENV: NATS_TOKEN
	Token string
	// Name identifies the client to the server. ENV: NATS_CLIENT_NAME
	Name string
	// PingInterval is the client keepalive interval. ENV: NATS_PING_INTERVAL
	PingInterval time.Duration

	Logger         *slog.Logger
	EmitterOptions []transport.EmitterOption
}

// ConfigFromEnv decodes NATS_* variables.
func ConfigFromEnv() (Config, error) {
	var env struct {
		URL          string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
		Token        string        `env:"NATS_TOKEN"`
		Name         string        `env:"NATS_CLIENT_NAME,default=dualstream"`
		PingInterval time.Duration `env:"NATS_PING_INTERVAL,default=20s"`
	}
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("natsstream: decode env: %w", err)
	}
	return Config{URL: env.URL, Token: env.Token, Name: env.Name, PingInterval: env.PingInterval}, nil
}

// Dialer implements transport.Dialer. Every Dial opens its own NATS
// connection so that a slot's connection can fail independently.
type Dialer struct {
	cfg Config
	log *slog.Logger
}

// New creates a Dialer.
func New(cfg Config) *Dialer {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "dualstream"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dialer{cfg: cfg, log: log}
}

func (d *Dialer) options(c *Conn, timeout time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.Name(d.cfg.Name),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(c.handleClosed),
	}
	if d.cfg.PingInterval > 0 {
		opts = append(opts, nats.PingInterval(d.cfg.PingInterval))
	}
	if d.cfg.Token != "" {
		opts = append(opts, nats.Token(d.cfg.Token))
	}
	return opts
}

// Dial connects and subscribes to req.Target. Request.Timeout bounds the
// connect and the subscription flush.
func (d *Dialer) Dial(ctx context.Context, req *transport.Request) (transport.Connection, error) {
	if req == nil || req.Target == "" {
		return nil, errors.New("natsstream: request subject is required")
	}
	timeout := req.EffectiveTimeout()

	c := &Conn{
		Emitter: transport.NewEmitter(d.cfg.EmitterOptions...),
		id:      uuid.NewString(),
	}
	c.log = d.log.With(slog.String("subject", req.Target), slog.String("conn_id", c.id))

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(d.cfg.URL, d.options(c, timeout)...)
		done <- result{nc: nc, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		if errors.Is(res.err, nats.ErrTimeout) || transport.IsTimeout(res.err) {
			return nil, fmt.Errorf("natsstream: %s: %w", d.cfg.URL, transport.ErrRequestTimeout)
		}
		return nil, fmt.Errorf("natsstream: %s: %w", d.cfg.URL, res.err)
	}
	c.nc = res.nc

	sub, err := c.nc.Subscribe(req.Target, c.handleMsg)
	if err == nil {
		err = c.nc.FlushTimeout(timeout)
	}
	if err != nil {
		c.Disconnect()
		if errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("natsstream: subscribe %s: %w", req.Target, transport.ErrRequestTimeout)
		}
		return nil, fmt.Errorf("natsstream: subscribe %s: %w", req.Target, err)
	}
	c.sub = sub
	c.log.Debug("natsstream.connected", slog.String("server", c.nc.ConnectedUrlRedacted()))
	return c, nil
}

// Conn is one subscription on its own NATS connection.
type Conn struct {
	*transport.Emitter

	id  string
	nc  *nats.Conn
	sub *nats.Subscription
	log *slog.Logger

	once  sync.Once
	ended sync.Once
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Disconnect unsubscribes and closes the NATS connection.
func (c *Conn) Disconnect() error {
	var err error
	c.once.Do(func() {
		c.Close()
		if c.sub != nil {
			err = c.sub.Unsubscribe()
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				err = nil
			}
		}
		if c.nc != nil {
			c.nc.Close()
		}
		c.log.Debug("natsstream.disconnected")
	})
	return err
}

func (c *Conn) handleMsg(msg *nats.Msg) {
	if msg.Header != nil && msg.Header.Get(HeaderEOF) != "" {
		c.end(nil)
		// Close from another goroutine; nats forbids it in a handler.
		go c.nc.Close()
		return
	}
	if len(msg.Data) == 0 {
		c.EmitHeartbeat()
	} else {
		c.EmitData(msg.Data)
	}
	c.CountResponse(int64(utf8.RuneCount(msg.Data)))
}

func (c *Conn) handleDisconnect(_ *nats.Conn, err error) {
	if c.Closed() {
		return
	}
	if err == nil {
		err = ErrConnectionLost
	}
	c.log.Warn("natsstream.connection.lost", slog.String("err", err.Error()))
	c.end(fmt.Errorf("natsstream: %w", err))
}

func (c *Conn) handleClosed(*nats.Conn) {
	if c.Closed() {
		return
	}
	c.end(ErrConnectionLost)
}

func (c *Conn) end(err error) {
	c.ended.Do(func() { c.EmitDisconnect(err) })
}

var (
	_ transport.Dialer     = (*Dialer)(nil)
	_ transport.Connection = (*Conn)(nil)
)
