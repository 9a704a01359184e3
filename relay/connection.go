// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
)

// connect dials and subscribes off the loop. The outcome comes back as a
// dialResult.
func (r *Relay) connect(ctx context.Context) {
	r.setState(StateConnecting)

	dialCtx, cancel := context.WithCancel(ctx)
	r.cancelDial = cancel

	go func() {
		res := r.dial(dialCtx)
		if !post(r, r.dialed, res) && res.session != nil {
			_ = res.session.Close()
		}
	}()
}

func (r *Relay) dial(ctx context.Context) dialResult {
	session, err := r.dialer.Dial(ctx)
	if err != nil {
		return dialResult{err: err}
	}

	deliveries, err := session.Subscribe(r.opts.Queue, r.opts.ConsumerTag, r.opts.Prefetch)
	if err != nil {
		_ = session.Close()
		return dialResult{err: fmt.Errorf("failed to subscribe to %s: %w", r.opts.Queue, err)}
	}

	return dialResult{session: session, deliveries: deliveries}
}

func (r *Relay) handleDialed(res dialResult) {
	if r.cancelDial != nil {
		r.cancelDial()
		r.cancelDial = nil
	}

	if res.err != nil {
		r.logger.Error("Failed to connect to broker", "error", res.err)
		r.setState(StateDisconnected)
		r.scheduleReconnect()
		return
	}

	r.fwd.reset()
	r.session = res.session
	r.deliveries = res.deliveries
	r.closed = res.session.Closed()
	r.setState(StateConnected)

	r.logger.Info("Connected to broker")
	r.logger.Info("Consuming queue", "queue", r.opts.Queue)
}

// handleClosed runs when the broker connection or channel goes away.
func (r *Relay) handleClosed(err error) {
	r.session = nil
	r.deliveries = nil
	r.closed = nil

	if !IsClosing(err) {
		r.logger.Error("Broker connection error", "error", err)
	}

	r.setState(StateDisconnected)
	r.scheduleReconnect()
}

func (r *Relay) scheduleReconnect() {
	if !r.shouldReconnect {
		return
	}

	delay := r.opts.Backoff()
	r.reconnectTimer = r.clock.AfterFunc(delay, func() {
		post(r, r.reconnect, struct{}{})
	})

	r.logger.Warn("Reconnecting to broker", "delay", delay)
	r.metrics.RecordReconnect()
}

func (r *Relay) handleReconnect(ctx context.Context) {
	r.reconnectTimer = nil
	if !r.shouldReconnect || r.state != StateDisconnected {
		return
	}
	r.connect(ctx)
}

// requestRecycle is called by the forward circuit breaker when it opens.
// It may run on any goroutine.
func (r *Relay) requestRecycle() {
	select {
	case r.recycle <- struct{}{}:
	default:
	}
}

// handleRecycle closes a session whose forwards keep failing. The close event
// that follows takes the usual reconnect path, so the broker redelivers every
// unacknowledged message on a fresh channel.
func (r *Relay) handleRecycle() {
	if r.session == nil || r.phase != phaseRunning {
		return
	}

	r.logger.Warn("Forward circuit open, recycling broker connection")
	session := r.session
	go func() {
		_ = session.Close()
	}()
}
