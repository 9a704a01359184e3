// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdelay/ratelimit"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// forwarder publishes due payloads. It is shared by every forward goroutine.
// The circuit breaker belongs to one broker session and is replaced by reset.
type forwarder struct {
	limiter *ratelimit.ForwardLimiter
	tracer  trace.Tracer
	timeout time.Duration

	threshold uint32
	settings  gobreaker.Settings
	onOpen    func()
	breaker   atomic.Pointer[gobreaker.CircuitBreaker]
}

func newForwarder(opts *Options, onOpen func()) *forwarder {
	f := &forwarder{
		limiter:   opts.Limiter,
		tracer:    opts.Tracer,
		timeout:   opts.ForwardTimeout,
		threshold: opts.BreakerThreshold,
		onOpen:    onOpen,
	}
	if f.threshold == 0 {
		return f
	}

	threshold := f.threshold
	logger := opts.Logger
	f.settings = gobreaker.Settings{
		Name:        "forward",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Forward circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}
	f.reset()

	return f
}

// reset installs a closed breaker for a new session. Forwards still running
// on the previous session report to the breaker they started with.
func (f *forwarder) reset() {
	if f.threshold == 0 {
		return
	}
	f.breaker.Store(gobreaker.NewCircuitBreaker(f.settings))
}

func (f *forwarder) forward(ctx context.Context, session Session, queue string, body []byte) error {
	ctx, span := f.tracer.Start(ctx, "relay.forward",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.Int("messaging.message.body.size", len(body)),
		))
	defer span.End()

	err := f.publish(ctx, session, queue, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (f *forwarder) publish(ctx context.Context, session Session, queue string, body []byte) error {
	if err := f.limiter.Wait(ctx, queue); err != nil {
		return fmt.Errorf("forward rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	breaker := f.breaker.Load()
	if breaker == nil {
		return session.Forward(ctx, queue, body)
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, session.Forward(ctx, queue, body)
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) &&
		breaker.State() == gobreaker.StateOpen && f.breaker.Load() == breaker {
		f.onOpen()
	}
	return err
}
