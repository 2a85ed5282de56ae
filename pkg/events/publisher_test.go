package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	k "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/infra-bed/fib-service/pkg/config"
	"github.com/infra-bed/fib-service/pkg/metrics"
)

type fakeProducer struct {
	mu       sync.Mutex
	produced []*k.Message
	err      error
	events   chan k.Event
	closed   bool
}

func newFakeProducer(err error) *fakeProducer {
	return &fakeProducer{err: err, events: make(chan k.Event)}
}

func (f *fakeProducer) Produce(msg *k.Message, _ chan k.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.produced = append(f.produced, msg)
	return nil
}

func (f *fakeProducer) Events() chan k.Event { return f.events }
func (f *fakeProducer) Flush(int) int        { return 0 }

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func withTracing(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})
	return recorder, tp.Tracer("test")
}

func endedSpan(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("No ended span named %s", name)
	return nil
}

func TestNewMessage(t *testing.T) {
	event := ComputationEvent{
		RequestID:         "6b1f3c1e-8a52-4c43-9f0c-2f7f5d0c9a11",
		Number:            90,
		Result:            2880067194370816120,
		CalculationTimeNs: 210,
		ComputedAt:        time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}

	msg, err := NewMessage("fibonacci-computations", event)
	if err != nil {
		t.Fatalf("NewMessage returned error: %v", err)
	}

	if *msg.TopicPartition.Topic != "fibonacci-computations" {
		t.Errorf("Unexpected topic %q", *msg.TopicPartition.Topic)
	}
	if msg.TopicPartition.Partition != k.PartitionAny {
		t.Errorf("Expected PartitionAny, got %d", msg.TopicPartition.Partition)
	}
	if string(msg.Key) != "90" {
		t.Errorf("Expected key 90, got %q", msg.Key)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != "content-type" {
		t.Errorf("Unexpected headers: %v", msg.Headers)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Message value is not JSON: %v", err)
	}
	for _, field := range []string{"request_id", "number", "result", "calculation_time_ns", "computed_at"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("Missing field %s in %s", field, msg.Value)
		}
	}

	var roundTrip ComputationEvent
	if err := json.Unmarshal(msg.Value, &roundTrip); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if roundTrip.Result != event.Result {
		t.Errorf("Result lost precision: got %d, want %d", roundTrip.Result, event.Result)
	}
}

func TestProducerConfigMap(t *testing.T) {
	cm := ProducerConfigMap(config.KafkaConfig{
		Brokers:  []string{"broker-1:9092", "broker-2:9092"},
		Topic:    "fib-events",
		ClientID: "fib-service",
		Producer: config.KafkaProducerConfig{
			Acks:            "all",
			CompressionType: "snappy",
			LingerMs:        10,
			MaxRetries:      3,
		},
	})

	tests := map[string]interface{}{
		"bootstrap.servers": "broker-1:9092,broker-2:9092",
		"client.id":         "fib-service",
		"acks":              "all",
		"compression.type":  "snappy",
		"linger.ms":         10,
		"retries":           3,
	}
	for key, want := range tests {
		got, err := cm.Get(key, nil)
		if err != nil {
			t.Fatalf("Get(%s) returned error: %v", key, err)
		}
		if got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(false, config.KafkaConfig{})
	if err != nil {
		t.Fatalf("FromConfig returned error: %v", err)
	}
	if _, ok := p.(Noop); !ok {
		t.Fatalf("Expected Noop publisher when publishing is disabled, got %T", p)
	}
	p.Publish(context.Background(), ComputationEvent{Number: 1, Result: 1})
	p.Close()

	p, err = FromConfig(true, config.KafkaConfig{})
	if err == nil {
		t.Fatal("Expected error when publishing is enabled without brokers")
	}
	if p != nil {
		t.Errorf("Expected nil publisher on error, got %T", p)
	}
}

func TestKafkaPublisher_PublishTracesAndPropagates(t *testing.T) {
	recorder, tracer := withTracing(t)
	fake := newFakeProducer(nil)
	p := newKafkaPublisher(fake, "fib-events")

	ctx, parent := tracer.Start(context.Background(), "GET /fibonacci/{n}")
	p.Publish(ctx, ComputationEvent{Number: 20, Result: 6765})
	parent.End()

	delivered := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("delivered"))
	topic := "fib-events"
	fake.events <- &k.Message{TopicPartition: k.TopicPartition{Topic: &topic, Partition: 0, Offset: 7}}
	p.Close()
	if got := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("delivered")); got != delivered+1 {
		t.Errorf("Expected delivered counter to grow by 1, got %v -> %v", delivered, got)
	}

	span := endedSpan(t, recorder, "fibonacci.publish")
	if span.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Errorf("Expected publish span to be a child of the request span")
	}
	if span.SpanKind() != trace.SpanKindProducer {
		t.Errorf("Expected producer span kind, got %s", span.SpanKind())
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["messaging.system"] != "kafka" || attrs["messaging.destination.name"] != "fib-events" || attrs["messaging.operation"] != "publish" {
		t.Errorf("Unexpected messaging attributes: %v", attrs)
	}

	if len(fake.produced) != 1 {
		t.Fatalf("Expected 1 produced message, got %d", len(fake.produced))
	}
	msg := fake.produced[0]
	if (headerCarrier{msg: msg}).Get("content-type") != "application/json" {
		t.Errorf("Expected content-type header to survive injection, got %v", msg.Headers)
	}
	remote := trace.SpanContextFromContext(
		otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier{msg: msg}),
	)
	if !remote.IsValid() || remote.SpanID() != span.SpanContext().SpanID() || remote.TraceID() != parent.SpanContext().TraceID() {
		t.Errorf("Expected traceparent header for the publish span, got headers %v", msg.Headers)
	}
}

func TestKafkaPublisher_EnqueueFailure(t *testing.T) {
	recorder, _ := withTracing(t)
	fake := newFakeProducer(errors.New("queue full"))
	p := newKafkaPublisher(fake, "fib-events")
	defer p.Close()

	dropped := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("dropped"))
	p.Publish(context.Background(), ComputationEvent{Number: 5, Result: 5})

	if got := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("dropped")); got != dropped+1 {
		t.Errorf("Expected dropped counter to grow by 1, got %v -> %v", dropped, got)
	}
	span := endedSpan(t, recorder, "fibonacci.publish")
	if span.Status().Code != codes.Error || span.Status().Description != "enqueue failed" {
		t.Errorf("Unexpected span status: %+v", span.Status())
	}
}

func TestHeaderCarrier(t *testing.T) {
	msg := &k.Message{Headers: []k.Header{{Key: "content-type", Value: []byte("application/json")}}}
	c := headerCarrier{msg: msg}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	if got := c.Get("traceparent"); got != "b" {
		t.Errorf("Expected overwritten value b, got %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Expected empty value for missing key, got %q", got)
	}
	if keys := c.Keys(); len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %v", keys)
	}
}
