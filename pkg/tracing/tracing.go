// Package tracing installs the OpenTelemetry tracer provider that receives
// one span per pipeline stage.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"

	serviceName = "ekaya-combine"
)

// Config selects the span exporter.
type Config struct {
	// Exporter is "none" or "stdout".
	Exporter string
	// Output is the file spans are written to; stderr when empty.
	Output string
	// SampleRatio is the fraction of runs traced, 0..1.
	SampleRatio float64
}

// Validate checks the exporter and ratio.
func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("unsupported tracing exporter %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1, got %g", c.SampleRatio)
	}
	return nil
}

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

// Install sets the global tracer provider for cfg. With the none exporter
// the global no-op provider is left in place.
func Install(cfg Config, version string) (ShutdownFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace output: %w", err)
		}
		w, closer = f, f
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	tp := NewProvider(sdktrace.NewBatchSpanProcessor(exp), cfg.SampleRatio, version)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			err = errors.Join(err, closer.Close())
		}
		return err
	}, nil
}

// NewProvider builds a provider exporting through sp.
func NewProvider(sp sdktrace.SpanProcessor, sampleRatio float64, version string) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
}
