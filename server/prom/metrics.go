// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package prom exposes relay metrics in the Prometheus exposition format.
package prom

import (
	"net/http"
	"time"

	"github.com/absmach/fluxdelay/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fluxdelay"

// Metrics holds Prometheus collectors for the relay on a private registry.
// It implements relay.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived prometheus.Counter
	MessageSize      prometheus.Histogram
	MessagesRejected *prometheus.CounterVec
	MessagesSent     prometheus.Counter
	ForwardFailures  prometheus.Counter
	TimersCancelled  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	PendingTimers    prometheus.Gauge
	ConnectionState  *prometheus.GaugeVec
	ScheduledDelay   prometheus.Histogram
	ForwardLateness  prometheus.Histogram
}

var _ relay.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_received_total",
			Help:      "Total messages consumed from the delay queue.",
		}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "message_size_bytes",
			Help:      "Delivery body size distribution.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_rejected_total",
			Help:      "Total messages dropped as malformed or invalid.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_forwarded_total",
			Help:      "Total messages forwarded to their reply queue.",
		}),
		ForwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forward_failures_total",
			Help:      "Total forwards that failed and were requeued.",
		}),
		TimersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "timers_cancelled_total",
			Help:      "Total pending timers dropped by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Total scheduled reconnect attempts.",
		}),
		PendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pending_timers",
			Help:      "Number of armed or firing timers.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connection_state",
			Help:      "1 for the current broker connection state, 0 otherwise.",
		}, []string{"state"}),
		ScheduledDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "scheduled_delay_seconds",
			Help:      "Time left until expiry when a message is scheduled.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 21600, 86400},
		}),
		ForwardLateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forward_lateness_seconds",
			Help:      "Time between expiry and a successful forward.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesReceived,
		m.MessageSize,
		m.MessagesRejected,
		m.MessagesSent,
		m.ForwardFailures,
		m.TimersCancelled,
		m.Reconnects,
		m.PendingTimers,
		m.ConnectionState,
		m.ScheduledDelay,
		m.ForwardLateness,
	)

	m.RecordState(relay.StateDisconnected)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordReceived records a consumed delivery.
func (m *Metrics) RecordReceived(sizeBytes int) {
	m.MessagesReceived.Inc()
	m.MessageSize.Observe(float64(sizeBytes))
}

// RecordRejected records a dropped delivery.
func (m *Metrics) RecordRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordScheduled records a message whose timer was armed.
func (m *Metrics) RecordScheduled(delay time.Duration) {
	m.ScheduledDelay.Observe(delay.Seconds())
}

// RecordForwarded records a successful forward.
func (m *Metrics) RecordForwarded(lateness time.Duration) {
	m.MessagesSent.Inc()
	m.ForwardLateness.Observe(max(lateness, 0).Seconds())
}

// RecordForwardFailed records a failed forward.
func (m *Metrics) RecordForwardFailed() {
	m.ForwardFailures.Inc()
}

// RecordTimersCancelled records timers dropped at once.
func (m *Metrics) RecordTimersCancelled(n int, reason string) {
	m.TimersCancelled.WithLabelValues(reason).Add(float64(n))
}

// RecordPending records the number of pending timers.
func (m *Metrics) RecordPending(n int) {
	m.PendingTimers.Set(float64(n))
}

// RecordState records the connection state.
func (m *Metrics) RecordState(s relay.State) {
	for _, st := range []relay.State{relay.StateDisconnected, relay.StateConnecting, relay.StateConnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(st.String()).Set(v)
	}
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}
