// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
)

// Metrics holds the relay's Prometheus collectors in a registry of its own.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Forwards       *prometheus.CounterVec
	Replies        *prometheus.CounterVec
	Lookups        *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	Migrations     prometheus.Counter
	BroadcastSends *prometheus.CounterVec
	BreakerState   prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Correspondent messages forwarded into the shared channel",
		}, []string{"result"}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Staff replies handled, by outcome",
		}, []string{"result"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_lookups_total",
			Help:      "Reply correlation lookups, by the source that resolved them",
		}, []string{"source"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_store_errors_total",
			Help:      "Correlation store failures",
		}, []string{"op"}),
		Migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_migrations_total",
			Help:      "Shared channel identifier changes applied",
		}),
		BroadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_sends_total",
			Help:      "Broadcast deliveries, by result",
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_store_breaker_state",
			Help:      "Correlation store breaker state (0 closed, 1 half-open, 2 open)",
		}),
	}
	m.registry.MustRegister(
		m.Forwards,
		m.Replies,
		m.Lookups,
		m.StoreErrors,
		m.Migrations,
		m.BroadcastSends,
		m.BreakerState,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) forward(result string) {
	if m != nil {
		m.Forwards.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) reply(result string) {
	if m != nil {
		m.Replies.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) lookup(source string) {
	if m != nil {
		m.Lookups.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) storeError(op string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) migration() {
	if m != nil {
		m.Migrations.Inc()
	}
}

func (m *Metrics) broadcastSend(result string) {
	if m != nil {
		m.BroadcastSends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) breakerState(state gobreaker.State) {
	if m != nil {
		m.BreakerState.Set(float64(state))
	}
}
