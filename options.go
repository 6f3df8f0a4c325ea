package dualstream

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option customizes a Receiver.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	eventBuffer int
	id          string
}

// WithLogger overrides the logger. Records are decorated with receiver and
// slot attributes.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogHandler is WithLogger for a bare handler.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) {
		if h != nil {
			o.logger = slog.New(h)
		}
	}
}

// WithMetricsRegisterer registers receiver metrics on reg. Without it no
// metrics are recorded.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		if reg != nil {
			o.registerer = reg
		}
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithID overrides the generated receiver id used in logs and metrics.
func WithID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.id = id
		}
	}
}
