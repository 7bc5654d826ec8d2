package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "walletbroker"

// Tracer wraps an OpenTelemetry tracer with broker-specific span helpers.
//
// A nil *Tracer is valid; it starts spans on the global provider, which is a
// no-op until NewTracer installs an exporter.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "walletbroker",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceAction(ctx, "connect", requestID, origin)
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig selects the OTLP exporter. An empty Endpoint disables export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is an OTLP/gRPC collector address such as localhost:4317.
	Endpoint string
	// SamplingRate is the recorded fraction of root spans; zero means all.
	SamplingRate   float64
	EnableInsecure bool
}

// NewTracer returns the broker tracer and the shutdown hook that flushes it.
// Export failures degrade to the global no-op provider rather than failing
// startup.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	noop := &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}
	if config.Endpoint == "" {
		return noop, func(context.Context) error { return nil }
	}

	exporter, err := newExporter(config)
	if err != nil {
		return noop, func(context.Context) error { return nil }
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(config)),
		sdktrace.WithSampler(samplerFor(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}, provider.Shutdown
}

func newExporter(config TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func serviceResource(config TraceConfig) *resource.Resource {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return resource.Default()
	}
	return res
}

// NewTracerFromProvider wraps an existing provider, typically one backed by
// an in-memory recorder in tests.
func NewTracerFromProvider(provider trace.TracerProvider, serviceName string) *Tracer {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return &Tracer{
		tracer: provider.Tracer(serviceName),
		config: TraceConfig{ServiceName: serviceName},
	}
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span named name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return otel.Tracer(defaultServiceName).Start(ctx, name, opts...)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// TraceAction creates a span for one routed request.
func (t *Tracer) TraceAction(ctx context.Context, action, requestID, origin string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("router.%s", action),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("broker.action", action),
			attribute.String("broker.request_id", requestID),
			attribute.String("broker.origin", origin),
		),
	)
}

// TraceDecision creates a span for a decision arriving on channel.
func (t *Tracer) TraceDecision(ctx context.Context, channel, requestID string) (context.Context, trace.Span) {
	return t.Start(ctx, "router.decision",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("broker.channel", channel),
			attribute.String("broker.request_id", requestID),
		),
	)
}

// RecordError marks span failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOutcome tags span with the request outcome.
func (t *Tracer) SetOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("broker.outcome", outcome))
}

// GetTraceID returns the active trace id, or "" outside a span.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
