package tracing

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/infra-bed/fib-service"

// InitTracer installs a batching OTLP/gRPC tracer provider, wrapped for
// Pyroscope span profiles, as the global provider. The returned function
// flushes and shuts it down.
func InitTracer(ctx context.Context, serviceName, version string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "alloy.observability:4317"
	}

	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	resource := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironment(getEnvironment()),
		attribute.String("service.instance.id", getInstanceID()),
		attribute.String("go.version", runtime.Version()),
		attribute.String("go.arch", runtime.GOARCH),
		attribute.String("go.os", runtime.GOOS),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		),
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(createSampler(os.Getenv("OTEL_TRACE_SAMPLING_RATE"))),
	)

	otel.SetTracerProvider(otelpyroscope.NewTracerProvider(tp))
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp.Shutdown, nil
}

// StartSpan starts a span from the current global provider. With no provider
// installed this is a no-op span.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// StartSpanWithAttributes starts a new span with the given name and attributes
func StartSpanWithAttributes(ctx context.Context, spanName string, attrs []attribute.KeyValue, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(attrs...))
	return StartSpan(ctx, spanName, opts...)
}

// RecordError records an error in the current span with additional context
func RecordError(span trace.Span, err error, description string, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	errorAttrs := []attribute.KeyValue{
		attribute.String("error.type", fmt.Sprintf("%T", err)),
		attribute.String("error.message", err.Error()),
	}
	if description != "" {
		errorAttrs = append(errorAttrs, attribute.String("error.description", description))
	}
	errorAttrs = append(errorAttrs, attrs...)

	span.RecordError(err, trace.WithAttributes(errorAttrs...))
	span.SetStatus(codes.Error, description)
}

// SetSpanAttributes sets multiple attributes on a span
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

func FibonacciAttributes(n uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("operation.type", "fibonacci"),
		attribute.Int64("fibonacci.input", int64(n)),
	}
}

func FibonacciResultAttributes(result uint64, elapsed time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{
		// uint64 results above MaxInt64 cannot be stored as Int64 attributes.
		attribute.String("fibonacci.result", fmt.Sprintf("%d", result)),
		attribute.Int64("fibonacci.calculation_time_ns", elapsed.Nanoseconds()),
	}
}

func KafkaAttributes(topic, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.operation", operation),
	}
}

func getEnvironment() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "development"
	}
	return env
}

func getInstanceID() string {
	for _, key := range []string{"INSTANCE_ID", "HOSTNAME", "POD_NAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}

// createSampler maps OTEL_TRACE_SAMPLING_RATE to a sampler: "0" never samples,
// "1" or unset always samples, anything else samples 10% of root traces.
func createSampler(samplingRate string) sdktrace.Sampler {
	switch samplingRate {
	case "0":
		return sdktrace.NeverSample()
	case "1", "":
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))
	}
}
