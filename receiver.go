package dualstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/dualstream/internal/handover"
	"github.com/ggoodman/dualstream/internal/logctx"
	"github.com/ggoodman/dualstream/internal/metrics"
	"github.com/ggoodman/dualstream/transport"
)

// Receiver is one logical stream backed by two physical connection slots.
type Receiver struct {
	id  string
	cfg Config
	c   *handover.Coordinator

	reg     prometheus.Registerer
	metrics *metrics.Collector

	once sync.Once
}

// Connect normalizes cfg (nil means DefaultConfig), opens the first
// connection on the alpha slot and returns once it is live. Connect errors
// after retries are reported as a *ConnectError. Later failures arrive on
// Events as EventDisconnect and are never returned from a method.
//
// ctx bounds the initial connect only; the receiver lives until Disconnect.
func Connect(ctx context.Context, dialer transport.Dialer, req *transport.Request, cfg *Config, opts ...Option) (*Receiver, error) {
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrMissingParameter)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrMissingParameter)
	}

	var c Config
	if cfg == nil {
		c = DefaultConfig()
	} else {
		c = *cfg
		c.Normalize()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	log := slog.New(logctx.Handler{Handler: o.logger.Handler()}).With(slog.String("component", "dualstream"))

	m, err := metrics.New(o.registerer, o.id)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		id:      o.id,
		cfg:     c,
		reg:     o.registerer,
		metrics: m,
		c: handover.Start(handover.Config{
			ID:          o.id,
			Dialer:      dialer,
			Request:     req,
			Policy:      c.policy(),
			Logger:      log,
			Metrics:     m,
			EventBuffer: o.eventBuffer,
		}),
	}

	if err := r.c.WaitConnected(ctx); err != nil {
		_ = r.Disconnect()
		return nil, err
	}
	return r, nil
}

// ID returns the receiver id used in logs and metric labels.
func (r *Receiver) ID() string { return r.id }

// Config returns the normalized configuration in effect.
func (r *Receiver) Config() Config { return r.cfg }

// Events returns the notification channel. Events are delivered in the
// order the receiver processed them. The channel is closed after
// Disconnect.
func (r *Receiver) Events() <-chan Event { return r.c.Events() }

// Reconnect replaces the current primary connection using the configured
// handover mode. It returns once the reconnect has started; progress is
// reported on Events.
func (r *Receiver) Reconnect(ctx context.Context) error {
	return r.c.Reconnect(ctx)
}

// Status returns a snapshot of the receiver state and both slots.
func (r *Receiver) Status(ctx context.Context) (Status, error) {
	return r.c.Status(ctx)
}

// Disconnect closes both slots, abandoning any handover in progress. It is
// safe to call more than once; only the first call reports teardown errors.
func (r *Receiver) Disconnect() error {
	err := r.c.Stop()
	r.once.Do(func() { r.metrics.Unregister(r.reg) })
	return err
}
