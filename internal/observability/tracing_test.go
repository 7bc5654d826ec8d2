package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracerFromProvider(provider, "walletbroker-test"), recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer() returned an unusable tracer")
	}
	if tracer.config.ServiceName != defaultServiceName {
		t.Errorf("ServiceName = %q, want %q", tracer.config.ServiceName, defaultServiceName)
	}
	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()
	if GetTraceID(ctx) != "" {
		t.Errorf("no-op tracer produced a trace id")
	}
}

func TestTraceActionRecordsAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	ctx, span := tracer.TraceAction(context.Background(), "connect", "r1", "https://dapp.example")
	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() empty inside a recording span")
	}
	tracer.SetOutcome(span, "approved")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	got := ended[0]
	if got.Name() != "router.connect" {
		t.Errorf("span name = %q", got.Name())
	}
	for key, want := range map[string]string{
		"broker.action":     "connect",
		"broker.request_id": "r1",
		"broker.origin":     "https://dapp.example",
		"broker.outcome":    "approved",
	} {
		if v := spanAttr(got, key); v != want {
			t.Errorf("%s = %q, want %q", key, v, want)
		}
	}
}

func TestTraceDecisionRecordError(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.TraceDecision(context.Background(), "decision.process", "r9")
	tracer.RecordError(span, errors.New("route not found"))
	tracer.RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("events = %d, want 1 recorded error", len(ended[0].Events()))
	}
}

func TestNilTracerStartsSpans(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.TraceAction(context.Background(), "process", "r2", "https://dapp.example")
	span.End()
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); got != tt.want {
			t.Errorf("samplerFor(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}
