// Package telemetry installs the OpenTelemetry tracer provider used by the
// engagement flush spans and the HTTP sink transport.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	logx "notipipe/pkg/logx"
)

const defaultServiceName = "notipipe"

type Config struct {
	Enabled bool
	// Endpoint is the OTLP/HTTP collector as host:port.
	Endpoint    string
	Insecure    bool
	ServiceName string
	// SampleRatio in (0,1]; 0 means 1.
	SampleRatio float64
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}

// Provider owns the installed tracer provider; Shutdown flushes pending
// spans.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs a global tracer provider when cfg.Enabled. With tracing
// disabled it returns a Provider whose Shutdown is a no-op, and the global
// no-op provider stays in place.
func Setup(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	opts := []otlptracehttp.Option{}
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(ep))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		// Schema conflicts only lose the default attributes.
		log.Warn("otel resource merge failed; using service name only", logx.Err(err))
		res = resource.NewSchemaless(semconv.ServiceName(name))
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info("tracing enabled",
		logx.String("endpoint", cfg.Endpoint),
		logx.String("service", name),
		logx.Float64("sample_ratio", ratio),
	)
	return &Provider{tp: tp}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("tracer shutdown: pending spans dropped: %w", err)
	}
	return err
}

// LogFields returns trace_id and span_id fields for the span in ctx, or
// nil when ctx carries no valid span.
func LogFields(ctx context.Context) []logx.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []logx.Field{
		logx.String("trace_id", sc.TraceID().String()),
		logx.String("span_id", sc.SpanID().String()),
	}
}
