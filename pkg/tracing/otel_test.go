package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestStartSpanWithAttributes(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpanWithAttributes(context.Background(), "fibonacci.compute", FibonacciAttributes(90))
	SetSpanAttributes(span, FibonacciResultAttributes(2880067194370816120, 150*time.Nanosecond)...)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Name() != "fibonacci.compute" {
		t.Errorf("Unexpected span name %q", spans[0].Name())
	}

	attrs := attrMap(spans[0].Attributes())
	if got := attrs["fibonacci.input"].AsInt64(); got != 90 {
		t.Errorf("Expected fibonacci.input 90, got %d", got)
	}
	if got := attrs["fibonacci.result"].AsString(); got != "2880067194370816120" {
		t.Errorf("Expected fibonacci.result as string, got %q", got)
	}
	if got := attrs["fibonacci.calculation_time_ns"].AsInt64(); got != 150 {
		t.Errorf("Expected calculation time 150, got %d", got)
	}
}

func TestRecordError(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpan(context.Background(), "failing")
	RecordError(span, errors.New("boom"), "input rejected")
	RecordError(span, nil, "ignored")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error || status.Description != "input rejected" {
		t.Errorf("Unexpected span status: %+v", status)
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("Expected a single exception event, got %d", len(spans[0].Events()))
	}
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		rate   string
		prefix string
	}{
		{"", "AlwaysOnSampler"},
		{"1", "AlwaysOnSampler"},
		{"0", "AlwaysOffSampler"},
		{"0.1", "ParentBased"},
	}

	for _, tt := range tests {
		if got := createSampler(tt.rate).Description(); !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("createSampler(%q) = %s, want prefix %s", tt.rate, got, tt.prefix)
		}
	}
}

func TestGetInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")
	t.Setenv("HOSTNAME", "")
	t.Setenv("POD_NAME", "fib-service-7d9f")

	if got := getInstanceID(); got != "fib-service-7d9f" {
		t.Errorf("Expected POD_NAME fallback, got %q", got)
	}
}
