// Package metrics holds the prometheus instrumentation of a receiver.
//
// A nil *Collector is valid and records nothing, so callers never check
// whether metrics were configured.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dualstream"

// Handover outcomes.
const (
	OutcomeImmediate = "immediate"
	OutcomeBoundary  = "boundary"
	OutcomeFailed    = "failed"
)

// Connect attempt results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// Collector records receiver activity.
type Collector struct {
	Handovers       *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	Forwarded       *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Primary         *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// New creates a Collector whose series carry a receiver label with the given
// id and registers it on reg. A nil reg returns a nil Collector.
func New(reg prometheus.Registerer, receiverID string) (*Collector, error) {
	if reg == nil {
		return nil, nil
	}
	constLabels := prometheus.Labels{"receiver": receiverID}

	c := &Collector{
		Handovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "handover",
				Name:        "total",
				Help:        "Completed handovers by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "connect",
				Name:        "attempts_total",
				Help:        "Connect attempts by slot and result",
				ConstLabels: constLabels,
			},
			[]string{"slot", "result"},
		),
		Forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "events",
				Name:        "forwarded_total",
				Help:        "Notifications forwarded to the consumer by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "events",
				Name:        "dropped_total",
				Help:        "Notifications from non-primary or stale connections by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		Primary: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "slot",
				Name:        "primary",
				Help:        "1 for the slot currently designated primary, 0 otherwise",
				ConstLabels: constLabels,
			},
			[]string{"slot"},
		),
	}
	c.collectors = []prometheus.Collector{c.Handovers, c.ConnectAttempts, c.Forwarded, c.Dropped, c.Primary}

	for i, col := range c.collectors {
		if err := reg.Register(col); err != nil {
			for _, done := range c.collectors[:i] {
				reg.Unregister(done)
			}
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

// Unregister removes every series from reg.
func (c *Collector) Unregister(reg prometheus.Registerer) {
	if c == nil || reg == nil {
		return
	}
	for _, col := range c.collectors {
		reg.Unregister(col)
	}
}

func (c *Collector) Handover(outcome string) {
	if c == nil {
		return
	}
	c.Handovers.WithLabelValues(outcome).Inc()
}

func (c *Collector) ConnectAttempt(slot, result string) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(slot, result).Inc()
}

func (c *Collector) Forward(kind string) {
	if c == nil {
		return
	}
	c.Forwarded.WithLabelValues(kind).Inc()
}

func (c *Collector) Drop(kind string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(kind).Inc()
}

// SetPrimary marks primary as the primary slot and every other slot in all
// as not primary.
func (c *Collector) SetPrimary(primary string, all ...string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == primary {
			v = 1
		}
		c.Primary.WithLabelValues(s).Set(v)
	}
}
