// Package tracing wires OpenTelemetry tracing for the broker. The engine
// opens a span around each Execute call; daemon actions and pipeline-reader
// phases are not traced.
//
// Grounded on the teacher's go.opentelemetry.io/otel usage pattern
// (tracer provider constructed once at startup, OTLP/HTTP exporter),
// generalized into a small helper the composition root calls once.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "shellbroker"

// Shutdown flushes and releases the tracer provider installed by Setup.
type Shutdown func(context.Context) error

// noopShutdown is used when tracing is disabled.
func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider exporting to endpoint via
// OTLP/HTTP when enabled is true; otherwise it installs the no-op tracer
// and returns a no-op shutdown function.
func Setup(ctx context.Context, enabled bool, endpoint string) (Shutdown, error) {
	if !enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return noopShutdown, nil
	}

	opts := []otlptracehttp.Option{}
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(tracerName)))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the broker's named tracer from whatever provider is
// currently installed (real or no-op).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
