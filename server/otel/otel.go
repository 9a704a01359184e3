// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxdelay/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Resource attribute keys describing what the relay consumes.
const (
	AttrMessagingSystem = attribute.Key("messaging.system")
	AttrDelayQueue      = attribute.Key("fluxdelay.delay_queue")
	AttrConsumerTag     = attribute.Key("fluxdelay.consumer_tag")
)

const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
)

// Identity names the relay instance in exported telemetry.
type Identity struct {
	InstanceID  string
	Queue       string
	ConsumerTag string
}

// Provider owns the OTLP tracer and meter providers of one relay process.
type Provider struct {
	tracers  trace.TracerProvider
	meters   metric.MeterProvider
	shutdown []func(context.Context) error
}

// InitProvider starts OTLP exporters for the relay described by id and
// registers them as the global providers. Traces are exported only when
// cfg.OtelTracesEnabled is set.
func InitProvider(ctx context.Context, cfg config.MetricsConfig, id Identity) (*Provider, error) {
	res, err := newResource(ctx, cfg, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{tracers: tracenoop.NewTracerProvider()}

	if cfg.OtelTracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		p.tracers = tp
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}
	p.meters = mp
	p.shutdown = append(p.shutdown, mp.Shutdown)

	otel.SetTracerProvider(p.tracers)
	otel.SetMeterProvider(p.meters)

	return p, nil
}

// Tracer returns the tracer used around forwards.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracers.Tracer("fluxdelay/relay")
}

// Meter returns the meter relay metrics are recorded on.
func (p *Provider) Meter() metric.Meter {
	return p.meters.Meter("fluxdelay")
}

// Shutdown flushes and stops every exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg config.MetricsConfig, id Identity) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
		semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
		semconv.ServiceInstanceIDKey.String(id.InstanceID),
		AttrMessagingSystem.String("rabbitmq"),
		AttrDelayQueue.String(id.Queue),
	}
	if id.ConsumerTag != "" {
		attrs = append(attrs, AttrConsumerTag.String(id.ConsumerTag))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OtlpEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Forwards started by a sampled parent stay sampled.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.OtelTraceSampleRate))

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OtlpEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricInterval),
		)),
	), nil
}
