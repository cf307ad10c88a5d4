// Package telemetry installs the process-wide OpenTelemetry tracer provider
// and propagator used by the detector and the HTTP middleware.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config contains tracing configuration
type Config struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	// SampleRatio is the fraction of root spans recorded, in [0,1].
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
	// PrettyPrint indents exported spans.
	PrettyPrint bool `yaml:"pretty_print" mapstructure:"pretty_print"`

	// Output receives exported spans; nil means stderr so that stdout stays
	// free for redacted output.
	Output io.Writer `yaml:"-" mapstructure:"-"`
}

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "pii-scrubber"

// Shutdown flushes buffered spans and releases the provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs a tracer provider and a W3C trace-context propagator. When
// tracing is disabled the global no-op provider stays in place and the
// returned Shutdown does nothing.
func Setup(ctx context.Context, cfg Config, version string) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("tracing sample ratio %v outside [0,1]", cfg.SampleRatio)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTel resource: %w", err)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	exportOpts := []stdouttrace.Option{stdouttrace.WithWriter(out)}
	if cfg.PrettyPrint {
		exportOpts = append(exportOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())

	return tp.Shutdown, nil
}

// Propagator is the propagator Setup installs: W3C trace context plus baggage.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
