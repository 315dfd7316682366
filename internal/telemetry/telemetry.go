// Package telemetry initializes the OpenTelemetry tracer and meter providers
// and bridges ended SDK spans into the span pipeline.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Options configures Init.
type Options struct {
	Resource *resource.Resource
	// Spans receives every ended span. Required.
	Spans *SpanProcessor
	// MetricsEndpoint is the OTLP/HTTP collector for the pipeline's own metrics.
	// Empty disables metric export.
	MetricsEndpoint string
	Insecure        bool
}

// NewResource builds the process resource shared by every record.
func NewResource(ctx context.Context, serviceName, version, instanceID string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
			semconv.ServiceInstanceIDKey.String(instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

// Init configures the global tracer provider around opts.Spans and, when a
// metrics endpoint is configured, the global meter provider.
// Returns a shutdown function that must be called during graceful shutdown;
// it drains the span pipeline through the tracer provider.
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	if opts.Spans == nil {
		return nil, fmt.Errorf("telemetry: span processor is required")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(opts.Spans),
		sdktrace.WithResource(opts.Resource),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators so incoming
	// traceparent headers parent the spans we produce.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	var mp *sdkmetric.MeterProvider
	if opts.MetricsEndpoint != "" {
		metricOpts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(opts.MetricsEndpoint),
		}
		if opts.Insecure {
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}

		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(metricExp,
					sdkmetric.WithInterval(15*time.Second),
				),
			),
			sdkmetric.WithResource(opts.Resource),
		)
		otel.SetMeterProvider(mp)
	}

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if mp != nil {
			if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
