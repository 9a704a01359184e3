// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxdelay/client/amqp"
	"github.com/absmach/fluxdelay/config"
	"github.com/absmach/fluxdelay/ratelimit"
	"github.com/absmach/fluxdelay/relay"
	"github.com/absmach/fluxdelay/server/health"
	"github.com/absmach/fluxdelay/server/otel"
	"github.com/absmach/fluxdelay/server/prom"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the delay relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// telemetry is the metrics and tracing backend selected by configuration.
type telemetry struct {
	metrics  relay.Metrics
	tracer   trace.Tracer
	handler  http.Handler
	shutdown func(context.Context) error
}

func newTelemetry(cfg *config.Config) (*telemetry, error) {
	switch cfg.Metrics.Type {
	case "prometheus":
		m := prom.New()
		return &telemetry{metrics: m, handler: m.Handler()}, nil
	case "otlp":
		p, err := otel.InitProvider(context.Background(), cfg.Metrics, otel.Identity{
			InstanceID:  instanceID(),
			Queue:       cfg.Relay.Queue,
			ConsumerTag: cfg.Relay.ConsumerTag,
		})
		if err != nil {
			return nil, err
		}
		m, err := otel.NewMetrics(p.Meter())
		if err != nil {
			_ = p.Shutdown(context.Background())
			return nil, err
		}
		return &telemetry{
			metrics:  m,
			tracer:   p.Tracer(),
			shutdown: p.Shutdown,
		}, nil
	default:
		return &telemetry{}, nil
	}
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// dialerOptions maps the broker and forward sections onto the AMQP client.
func dialerOptions(cfg *config.Config) *amqp.Options {
	opts := amqp.NewOptions().
		SetURL(cfg.Broker.URL).
		SetDialTimeout(cfg.Broker.DialTimeout).
		SetHeartbeat(cfg.Broker.Heartbeat).
		SetConfirm(cfg.Forward.WaitConfirm, cfg.Forward.ConfirmTimeout).
		SetDeclareReplyQueue(cfg.Forward.DeclareReplyQueue)
	opts.Persistent = cfg.Forward.Persistent
	return opts
}

// relayOptions maps the relay and forward sections onto relay.Options.
func relayOptions(cfg *config.Config, logger *slog.Logger, tel *telemetry, limiter *ratelimit.ForwardLimiter) *relay.Options {
	opts := relay.NewOptions()
	opts.Queue = cfg.Relay.Queue
	opts.ConsumerTag = cfg.Relay.ConsumerTag
	opts.Prefetch = cfg.Relay.Prefetch
	opts.MaxMessageSize = cfg.Relay.MaxMessageSize
	opts.ReconnectMin = cfg.Relay.ReconnectMin
	opts.ReconnectMax = cfg.Relay.ReconnectMax
	opts.ShutdownGrace = cfg.Relay.ShutdownGrace
	opts.ForwardTimeout = cfg.Forward.Timeout
	opts.Limiter = limiter
	opts.BreakerThreshold = cfg.Forward.Breaker.FailureThreshold
	opts.BreakerTimeout = cfg.Forward.Breaker.ResetTimeout
	opts.Logger = logger
	opts.Metrics = tel.metrics
	opts.Tracer = tel.tracer
	return opts
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)

	slog.Info("Starting delay relay", "version", version)
	slog.Info("Configuration loaded",
		"queue", cfg.Relay.Queue,
		"prefetch", cfg.Relay.Prefetch,
		"health_enabled", cfg.Health.Enabled,
		"health_addr", cfg.Health.Addr,
		"metrics", cfg.Metrics.Type,
		"rate_limit", cfg.Forward.RateLimit.Enabled,
		"log_level", cfg.Log.Level)

	tel, err := newTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	var limiter *ratelimit.ForwardLimiter
	if cfg.Forward.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.Forward.RateLimit)
		defer limiter.Stop()
		slog.Info("Forward rate limiting enabled",
			"rate", cfg.Forward.RateLimit.Rate,
			"burst", cfg.Forward.RateLimit.Burst)
	}

	dialer, err := amqp.New(dialerOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to create AMQP dialer: %w", err)
	}

	r, err := relay.New(dialer, relayOptions(cfg, logger, tel, limiter))
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, r, tel.handler, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(healthCtx); err != nil {
				serverErr <- err
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- r.Run(ctx)
	}()

	select {
	case err = <-runErr:
	case err = <-serverErr:
		slog.Error("Health check server error", "error", err)
		r.Shutdown()
		<-runErr
	}
	if ctx.Err() != nil {
		slog.Info("Received shutdown signal")
	}

	if tel.shutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := tel.shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancelHealth()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("relay stopped with error: %w", err)
	}
	slog.Info("Delay relay stopped")
	return nil
}
