// Package redisstream reads a stream from a Redis stream key. Entries with a
// "data" field are data units (an empty value is a heartbeat) and an entry
// with an "eof" field is a clean server disconnect. A blocking read that
// times out with nothing new also counts as a heartbeat.
package redisstream

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
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/dualstream/transport"
)

const (
	// FieldData holds the payload of an entry.
	FieldData = "data"
	// FieldEOF marks the end of the stream.
	FieldEOF = "eof"

	DefaultKeyPrefix = "dualstream:"
	DefaultBlock     = time.Second
)

// Config contains configuration options for the Redis dialer.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created and owned by the Dialer.
	Client redis.UniversalClient
	// KeyPrefix is prepended to Request.Target. Defaults to "dualstream:".
	KeyPrefix string
	// Block is how long one XREAD waits. Defaults to one second.
	Block time.Duration
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
	// EmitterOptions configure idle detection of created connections.
	EmitterOptions []transport.EmitterOption
}

// EnvConfig is the environment form of Config.
type EnvConfig struct {
	Addr      string        `env:"REDIS_ADDR,default=localhost:6379"`
	Password  string        `env:"REDIS_PASSWORD"`
	DB        int           `env:"REDIS_DB,default=0"`
	KeyPrefix string        `env:"DUALSTREAM_REDIS_PREFIX,default=dualstream:"`
	Block     time.Duration `env:"DUALSTREAM_REDIS_BLOCK,default=1s"`
}

// Dialer implements transport.Dialer over Redis streams.
type Dialer struct {
	client    redis.UniversalClient
	owned     bool
	keyPrefix string
	block     time.Duration
	log       *slog.Logger
	emitOpts  []transport.EmitterOption
}

// New creates a Dialer.
func New(cfg Config) *Dialer {
	d := &Dialer{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		block:     cfg.Block,
		log:       cfg.Logger,
		emitOpts:  cfg.EmitterOptions,
	}
	if d.client == nil {
		d.client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		d.owned = true
	}
	if d.keyPrefix == "" {
		d.keyPrefix = DefaultKeyPrefix
	}
	if d.block <= 0 {
		d.block = DefaultBlock
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}
	return d
}

// NewFromEnv builds a Dialer from REDIS_* and DUALSTREAM_REDIS_* variables.
func NewFromEnv(logger *slog.Logger, opts ...transport.EmitterOption) (*Dialer, error) {
	var env EnvConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisstream: decode env: %w", err)
	}
	if env.Addr == "" {
		env.Addr = "localhost:6379"
	}
	d := New(Config{
		Client:         redis.NewClient(&redis.Options{Addr: env.Addr, Password: env.Password, DB: env.DB}),
		KeyPrefix:      env.KeyPrefix,
		Block:          env.Block,
		Logger:         logger,
		EmitterOptions: opts,
	})
	d.owned = true
	return d, nil
}

// Close closes the Redis client when the Dialer created it.
func (d *Dialer) Close() error {
	if !d.owned {
		return nil
	}
	return d.client.Close()
}

// StreamKey returns the Redis key read for target.
func (d *Dialer) StreamKey(target string) string {
	return d.keyPrefix + "stream:" + target
}

// Dial resolves the current tail of the stream and reads everything added
// after it. Request.Timeout bounds the tail lookup.
func (d *Dialer) Dial(ctx context.Context, req *transport.Request) (transport.Connection, error) {
	if req == nil || req.Target == "" {
		return nil, errors.New("redisstream: request target is required")
	}
	key := d.StreamKey(req.Target)

	tctx, cancel := context.WithTimeout(ctx, req.EffectiveTimeout())
	defer cancel()
	start := "0-0"
	last, err := d.client.XRevRangeN(tctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("redisstream: %s: %w", key, transport.ErrRequestTimeout)
		}
		return nil, fmt.Errorf("redisstream: %s: %w", key, err)
	}
	if len(last) > 0 {
		start = last[0].ID
	}

	readCtx, stop := context.WithCancel(context.Background())
	c := &Conn{
		Emitter: transport.NewEmitter(d.emitOpts...),
		id:      uuid.NewString(),
		client:  d.client,
		key:     key,
		block:   d.block,
		stop:    stop,
	}
	c.log = d.log.With(slog.String("stream", key), slog.String("conn_id", c.id))
	go c.readLoop(readCtx, start)
	c.log.Debug("redisstream.connected", slog.String("start", start))
	return c, nil
}

// Conn is one reader of a stream key.
type Conn struct {
	*transport.Emitter

	id     string
	client redis.UniversalClient
	key    string
	block  time.Duration
	stop   context.CancelFunc
	log    *slog.Logger

	once sync.Once
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Disconnect stops reading. The shared client stays open.
func (c *Conn) Disconnect() error {
	c.once.Do(func() {
		c.Close()
		c.stop()
		c.log.Debug("redisstream.disconnected")
	})
	return nil
}

func (c *Conn) readLoop(ctx context.Context, startID string) {
	for {
		streams, err := c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.key, startID},
			Block:   c.block,
		}).Result()
		if c.Closed() {
			return
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				c.EmitHeartbeat()
				continue
			}
			c.log.Warn("redisstream.read.fail", slog.String("err", err.Error()))
			c.EmitDisconnect(fmt.Errorf("redisstream: read %s: %w", c.key, err))
			return
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				if _, ok := msg.Values[FieldEOF]; ok {
					c.EmitDisconnect(nil)
					return
				}
				data, ok := msg.Values[FieldData].(string)
				if !ok {
					continue
				}
				if data == "" {
					c.EmitHeartbeat()
				} else {
					c.EmitData([]byte(data))
				}
				c.CountResponse(int64(utf8.RuneCountInString(data)))
			}
		}
	}
}

var (
	_ transport.Dialer     = (*Dialer)(nil)
	_ transport.Connection = (*Conn)(nil)
)
