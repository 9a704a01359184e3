// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxdelay/relay"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the relay.
// It implements relay.Metrics.
type Metrics struct {
	// Counters
	messagesReceived metric.Int64Counter
	messagesRejected metric.Int64Counter
	messagesSent     metric.Int64Counter
	forwardFailures  metric.Int64Counter
	timersCancelled  metric.Int64Counter
	reconnects       metric.Int64Counter

	// Gauges
	pendingTimers   metric.Int64Gauge
	connectionState metric.Int64Gauge

	// Histograms
	messageSize     metric.Int64Histogram
	scheduledDelay  metric.Float64Histogram
	forwardLateness metric.Float64Histogram
}

var _ relay.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance with all instruments initialized
// from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.messagesReceived, err = meter.Int64Counter(
		"relay.messages.received.total",
		metric.WithDescription("Total messages consumed from the delay queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesRejected, err = meter.Int64Counter(
		"relay.messages.rejected.total",
		metric.WithDescription("Total messages dropped as malformed or invalid"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRejected counter: %w", err)
	}

	m.messagesSent, err = meter.Int64Counter(
		"relay.messages.forwarded.total",
		metric.WithDescription("Total messages forwarded to their reply queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.forwardFailures, err = meter.Int64Counter(
		"relay.forward.failures.total",
		metric.WithDescription("Total forwards that failed and were requeued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardFailures counter: %w", err)
	}

	m.timersCancelled, err = meter.Int64Counter(
		"relay.timers.cancelled.total",
		metric.WithDescription("Total pending timers dropped by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timersCancelled counter: %w", err)
	}

	m.reconnects, err = meter.Int64Counter(
		"relay.reconnects.total",
		metric.WithDescription("Total scheduled reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.pendingTimers, err = meter.Int64Gauge(
		"relay.timers.pending",
		metric.WithDescription("Number of armed or firing timers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingTimers gauge: %w", err)
	}

	m.connectionState, err = meter.Int64Gauge(
		"relay.connection.state",
		metric.WithDescription("Broker connection state: 0 disconnected, 1 connecting, 2 connected"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionState gauge: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"relay.message.size.bytes",
		metric.WithDescription("Delivery body size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.scheduledDelay, err = meter.Float64Histogram(
		"relay.scheduled.delay.seconds",
		metric.WithDescription("Time left until expiry when a message is scheduled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduledDelay histogram: %w", err)
	}

	m.forwardLateness, err = meter.Float64Histogram(
		"relay.forward.lateness.seconds",
		metric.WithDescription("Time between expiry and a successful forward"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardLateness histogram: %w", err)
	}

	return m, nil
}

// RecordReceived records a consumed delivery.
func (m *Metrics) RecordReceived(sizeBytes int) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, int64(sizeBytes))
}

// RecordRejected records a dropped delivery.
func (m *Metrics) RecordRejected(reason string) {
	m.messagesRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordScheduled records a message whose timer was armed.
func (m *Metrics) RecordScheduled(delay time.Duration) {
	m.scheduledDelay.Record(context.Background(), delay.Seconds())
}

// RecordForwarded records a successful forward.
func (m *Metrics) RecordForwarded(lateness time.Duration) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.forwardLateness.Record(ctx, max(lateness, 0).Seconds())
}

// RecordForwardFailed records a failed forward.
func (m *Metrics) RecordForwardFailed() {
	m.forwardFailures.Add(context.Background(), 1)
}

// RecordTimersCancelled records timers dropped at once.
func (m *Metrics) RecordTimersCancelled(n int, reason string) {
	m.timersCancelled.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordPending records the number of pending timers.
func (m *Metrics) RecordPending(n int) {
	m.pendingTimers.Record(context.Background(), int64(n))
}

// RecordState records the connection state.
func (m *Metrics) RecordState(s relay.State) {
	m.connectionState.Record(context.Background(), int64(s))
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(context.Background(), 1)
}
