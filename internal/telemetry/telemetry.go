// Package telemetry installs the process-wide OpenTelemetry providers.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Shutdown flushes buffered spans and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs W3C trace context propagation and, when tracing is
// enabled, a tracer provider exporting spans over OTLP/gRPC. Without it
// spans are still created but dropped.
func Setup(ctx context.Context, cfg domain.TracingConfig, version string) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return noop, nil
	}

	switch cfg.ExporterType {
	case "", "otlp":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.ExporterType)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", version),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(provider)

	slog.Info("tracing enabled", "service", cfg.ServiceName, "endpoint", cfg.Endpoint)
	return provider.Shutdown, nil
}
