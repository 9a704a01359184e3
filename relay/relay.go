// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay holds messages consumed from a delay queue until their
// delivery time and then forwards their payload to the requested queue.
//
// All relay state is owned by a single event loop started with Run. Broker
// I/O, timer expiry and forward completion happen on other goroutines and are
// handed to the loop as events, so the loop never shares state.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdelay/timers"
	"github.com/jonboulle/clockwork"
)

// Relay consumes delayed messages and forwards them when they are due.
type Relay struct {
	opts    *Options
	dialer  Dialer
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics Metrics
	fwd     *forwarder

	// Owned by the event loop.
	state           State
	phase           phase
	shouldReconnect bool
	session         Session
	deliveries      <-chan Delivery
	closed          <-chan error
	timers          *timers.Store
	reconnectTimer  clockwork.Timer
	cancelDial      context.CancelFunc
	inflight        int
	fwdCtx          context.Context
	cancelForwards  context.CancelFunc

	// Events posted to the loop.
	dialed    chan dialResult
	fired     chan firedEvent
	forwarded chan forwardResult
	reconnect chan struct{}
	recycle   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	// Snapshots of loop state for other goroutines.
	stateVal    atomic.Int32
	pendingVal  atomic.Int64
	inflightVal atomic.Int64
}

type dialResult struct {
	session    Session
	deliveries <-chan Delivery
	err        error
}

// pendingDelivery is a validated message whose timer is armed. It lives only
// in the closure held by the timer store.
type pendingDelivery struct {
	msg      DelayedMessage
	delivery Delivery
	session  Session
}

type firedEvent struct {
	key timers.Key
	pd  *pendingDelivery
}

type forwardResult struct {
	key      timers.Key
	queue    string
	err      error
	ackErr   error
	lateness time.Duration
}

// New creates a relay that dials the broker through dialer.
func New(dialer Dialer, opts *Options) (*Relay, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &Relay{
		opts:            opts,
		dialer:          dialer,
		logger:          opts.Logger,
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		shouldReconnect: true,
		timers:          timers.New(opts.Clock),
		dialed:          make(chan dialResult),
		fired:           make(chan firedEvent),
		forwarded:       make(chan forwardResult),
		reconnect:       make(chan struct{}),
		recycle:         make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	r.fwd = newForwarder(opts, r.requestRecycle)
	return r, nil
}

// Run connects to the broker and processes events until ctx is cancelled or
// Shutdown is called, then drains. It returns an error only when the drain
// could not cancel the consumer or close the connection cleanly.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.done)

	r.fwdCtx, r.cancelForwards = context.WithCancel(context.WithoutCancel(ctx))
	defer r.cancelForwards()

	r.logger.Info("Starting relay",
		"queue", r.opts.Queue,
		"prefetch", r.opts.Prefetch,
		"consumer_tag", r.opts.ConsumerTag)

	r.connect(ctx)

	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case <-r.stop:
			return r.drain()
		case res := <-r.dialed:
			r.handleDialed(res)
		case d, ok := <-r.deliveries:
			if !ok {
				r.deliveries = nil
				continue
			}
			r.handleDelivery(d)
		case err, ok := <-r.closed:
			if !ok {
				err = ErrConnectionClosing
			}
			r.handleClosed(err)
		case ev := <-r.fired:
			r.handleFired(ev)
		case res := <-r.forwarded:
			r.handleForwarded(res)
		case <-r.reconnect:
			r.handleReconnect(ctx)
		case <-r.recycle:
			r.handleRecycle()
		}
	}
}

// Shutdown asks the running loop to drain. Only the first call has an effect.
func (r *Relay) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Done is closed when Run returns.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// State returns the current connection state.
func (r *Relay) State() State {
	return State(r.stateVal.Load())
}

// Ready reports whether the relay is connected and consuming.
func (r *Relay) Ready() bool {
	return r.State() == StateConnected
}

// Pending returns the number of armed or firing timers.
func (r *Relay) Pending() int {
	return int(r.pendingVal.Load())
}

// InFlight returns the number of forwards that have not completed.
func (r *Relay) InFlight() int {
	return int(r.inflightVal.Load())
}

// setState is the only place the connection state changes. Leaving
// StateConnected drops every pending timer: the broker redelivers their
// unacknowledged messages on the next connection.
func (r *Relay) setState(to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	r.stateVal.Store(int32(to))
	r.metrics.RecordState(to)

	if from == StateConnected {
		if n := r.timers.CancelAll(); n > 0 {
			r.logger.Info("Cleared all timers because of disconnection", "count", n)
			r.metrics.RecordTimersCancelled(n, CancelDisconnect)
		}
		r.syncPending()
	}
}

func (r *Relay) syncPending() {
	n := r.timers.Len()
	r.pendingVal.Store(int64(n))
	r.metrics.RecordPending(n)
}

// post hands v to the loop. It gives up once the loop has exited.
func post[T any](r *Relay, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-r.done:
		return false
	}
}
