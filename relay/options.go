// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/fluxdelay/ratelimit"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Default values.
const (
	DefaultQueue            = "delay-queue"
	DefaultConsumerTag      = "consumer"
	DefaultPrefetch         = 5
	DefaultReconnectMin     = 1 * time.Second
	DefaultReconnectMax     = 10 * time.Second
	DefaultShutdownGrace    = 10 * time.Second
	DefaultForwardTimeout   = 10 * time.Second
	DefaultMaxMessageSize   = 1024 * 1024
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// Options configures a Relay.
type Options struct {
	// Consumer
	Queue          string // Delay queue to consume from
	ConsumerTag    string
	Prefetch       int // Maximum unacked deliveries across the channel, at least 1
	MaxMessageSize int // Zero disables the size check

	// Reconnection: delay is a uniform whole number of seconds in
	// [ReconnectMin, ReconnectMax].
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Shutdown
	ShutdownGrace time.Duration // Upper bound on waiting for in-flight forwards

	// Forwarding
	ForwardTimeout   time.Duration
	Limiter          *ratelimit.ForwardLimiter // nil forwards unthrottled
	BreakerThreshold uint32                    // Consecutive failures that open the breaker; zero disables it
	BreakerTimeout   time.Duration             // Time the breaker stays open

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer

	// Backoff overrides the jittered reconnect delay.
	Backoff func() time.Duration
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Queue:            DefaultQueue,
		ConsumerTag:      DefaultConsumerTag,
		Prefetch:         DefaultPrefetch,
		MaxMessageSize:   DefaultMaxMessageSize,
		ReconnectMin:     DefaultReconnectMin,
		ReconnectMax:     DefaultReconnectMax,
		ShutdownGrace:    DefaultShutdownGrace,
		ForwardTimeout:   DefaultForwardTimeout,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerTimeout:   DefaultBreakerTimeout,
	}
}

// Validate checks the options for errors and fills unset collaborators.
func (o *Options) Validate() error {
	if o.Queue == "" {
		return ErrInvalidQueueName
	}
	if o.Prefetch < 1 {
		return ErrInvalidPrefetch
	}
	if o.ConsumerTag == "" {
		o.ConsumerTag = DefaultConsumerTag
	}
	if o.ReconnectMin < time.Second {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = o.ReconnectMin
	}
	if o.ForwardTimeout <= 0 {
		o.ForwardTimeout = DefaultForwardTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Tracer == nil {
		o.Tracer = tracenoop.NewTracerProvider().Tracer("fluxdelay")
	}
	if o.Backoff == nil {
		o.Backoff = jitter(o.ReconnectMin, o.ReconnectMax)
	}
	return nil
}

// jitter returns a whole number of seconds drawn uniformly from [lo, hi].
// There is no exponential growth between attempts.
func jitter(lo, hi time.Duration) func() time.Duration {
	minSec := int64(lo / time.Second)
	maxSec := int64(hi / time.Second)
	return func() time.Duration {
		return time.Duration(minSec+rand.Int64N(maxSec-minSec+1)) * time.Second
	}
}
