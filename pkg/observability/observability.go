// Package observability provides OpenTelemetry tracing and metrics
// for the kernel write path: spans around command execution and RED
// counters for accepted/rejected commands and appended events.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bos-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Insecure:       true,
	}
}

// Telemetry bundles the providers and the kernel instruments.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	commandsAccepted metric.Int64Counter
	commandsRejected metric.Int64Counter
	eventsAppended   metric.Int64Counter
	commandDuration  metric.Float64Histogram
}

// Init wires tracing and metrics. With Enabled false it returns a
// no-op Telemetry so call sites never branch.
func Init(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil || !cfg.Enabled {
		return noop()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	t := &Telemetry{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("bos.core"),
	}
	if err := t.instruments(mp.Meter("bos.core")); err != nil {
		return nil, err
	}
	return t, nil
}

func noop() (*Telemetry, error) {
	t := &Telemetry{tracer: otel.Tracer("bos.core.noop")}
	mp := sdkmetric.NewMeterProvider()
	if err := t.instruments(mp.Meter("bos.core.noop")); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) instruments(m metric.Meter) error {
	var err error
	if t.commandsAccepted, err = m.Int64Counter("bos.commands.accepted",
		metric.WithDescription("Commands accepted by the bus")); err != nil {
		return err
	}
	if t.commandsRejected, err = m.Int64Counter("bos.commands.rejected",
		metric.WithDescription("Commands rejected by guards or handlers")); err != nil {
		return err
	}
	if t.eventsAppended, err = m.Int64Counter("bos.events.appended",
		metric.WithDescription("Events durably appended")); err != nil {
		return err
	}
	if t.commandDuration, err = m.Float64Histogram("bos.command.duration",
		metric.WithDescription("Write-path latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// StartCommand opens a span for one command execution.
func (t *Telemetry) StartCommand(ctx context.Context, commandType, businessID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "bos.command",
		trace.WithAttributes(
			attribute.String("bos.command_type", commandType),
			attribute.String("bos.business_id", businessID),
		))
}

// RecordOutcome counts a finished command.
func (t *Telemetry) RecordOutcome(ctx context.Context, commandType string, accepted bool, events int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("bos.command_type", commandType))
	if accepted {
		t.commandsAccepted.Add(ctx, 1, attrs)
		t.eventsAppended.Add(ctx, int64(events), attrs)
	} else {
		t.commandsRejected.Add(ctx, 1, attrs)
	}
	t.commandDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// Shutdown flushes the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if t.meterProvider != nil {
		return t.meterProvider.Shutdown(ctx)
	}
	return nil
}
