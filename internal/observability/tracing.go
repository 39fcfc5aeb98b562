package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig selects the span exporter. An empty Exporter disables
// tracing entirely.
type TracingConfig struct {
	Exporter       string // "otlp" or "zipkin"
	Endpoint       string
	SampleRate     float64 // 0.0 to 1.0
	ServiceName    string
	ServiceVersion string
}

// Tracing owns the tracer provider for the process.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracing builds a tracer provider from config and installs it as the
// OpenTelemetry global. With no exporter configured the returned tracer
// is a noop and Shutdown does nothing.
func NewTracing(cfg TracingConfig) (*Tracing, error) {
	if cfg.Exporter == "" {
		return &Tracing{tracer: noop.NewTracerProvider().Tracer(meterName)}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ordinaut"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)

	return &Tracing{provider: provider, tracer: provider.Tracer(meterName)}, nil
}

// Tracer returns the process tracer.
func (t *Tracing) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer(meterName)
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Span names emitted while a worker executes a run.
const (
	SpanRunExecute  = "ordinaut.run.execute"
	SpanStepExecute = "ordinaut.step.execute"
	SpanToolInvoke  = "ordinaut.tool.invoke"
)

// Attribute keys attached to those spans.
const (
	AttrTaskID  = "ordinaut.task_id"
	AttrRunID   = "ordinaut.run_id"
	AttrAttempt = "ordinaut.attempt"
	AttrStepID  = "ordinaut.step_id"
	AttrTool    = "ordinaut.tool"
	AttrOutcome = "ordinaut.outcome"
)

// RunAttrs labels a span with the run identity.
func RunAttrs(taskID, runID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrAttempt, attempt),
	}
}

// StepAttrs labels a span with the pipeline step being executed.
func StepAttrs(stepID, tool string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStepID, stepID),
		attribute.String(AttrTool, tool),
	}
}

// ErrorAttrs labels a span with a failure. Nil err yields no attributes.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String("error.message", err.Error()),
	}
}
