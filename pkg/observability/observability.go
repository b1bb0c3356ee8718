// Package observability wires tracing for the partition engine. Spans
// cover kernel runs and coordinator broadcasts; metrics stay on the
// Prometheus registry and logging on the shared zap logger.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span is the unit of tracing handed back by StartSpan. Callers end it
// and may record errors on it; everything else stays inside this package.
type Span = trace.Span

// Config controls the tracing provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	ExporterType   string // "stdout" or "none"
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

// DefaultConfig returns a development-friendly tracing configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "helios",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SamplingRate:   0.1,
		ExporterType:   "none",
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

var (
	initOnce sync.Once
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("helios")
)

// Initialize sets up the global tracer. Without it spans are no-ops, so
// library code can trace unconditionally.
func Initialize(config Config) error {
	var err error
	initOnce.Do(func() {
		if config.ExporterType == "none" {
			return
		}

		var res *resource.Resource
		res, err = resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(config.ServiceName),
				semconv.ServiceVersionKey.String(config.ServiceVersion),
				semconv.DeploymentEnvironmentKey.String(config.Environment),
			),
		)
		if err != nil {
			err = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		var exporter sdktrace.SpanExporter
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			err = fmt.Errorf("failed to create stdout exporter: %w", err)
			return
		}

		var sampler sdktrace.Sampler
		switch {
		case config.SamplingRate <= 0:
			sampler = sdktrace.NeverSample()
		case config.SamplingRate >= 1.0:
			sampler = sdktrace.AlwaysSample()
		default:
			sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
			sdktrace.WithBatcher(exporter,
				sdktrace.WithBatchTimeout(config.BatchTimeout),
				sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
				sdktrace.WithMaxQueueSize(config.MaxQueueSize),
			),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		tracer = tp.Tracer(config.ServiceName)
	})
	return err
}

// StartSpan starts a span under the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// String builds a string span attribute.
func String(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Int64 builds an int64 span attribute.
func Int64(key string, value int64) attribute.KeyValue {
	return attribute.Int64(key, value)
}

// Shutdown flushes and stops the tracing provider.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer: %w", err)
		}
	}
	return nil
}
