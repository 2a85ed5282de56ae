package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	k "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/infra-bed/fib-service/pkg/config"
	"github.com/infra-bed/fib-service/pkg/logger"
	"github.com/infra-bed/fib-service/pkg/metrics"
	"github.com/infra-bed/fib-service/pkg/tracing"
)

// ComputationEvent describes one successful Fibonacci computation.
type ComputationEvent struct {
	RequestID         string    `json:"request_id,omitempty"`
	Number            uint64    `json:"number"`
	Result            uint64    `json:"result"`
	CalculationTimeNs int64     `json:"calculation_time_ns"`
	ComputedAt        time.Time `json:"computed_at"`
}

// Publisher hands computation events to a downstream system. Publish must not
// block the caller on delivery.
type Publisher interface {
	Publish(ctx context.Context, event ComputationEvent)
	Close()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, ComputationEvent) {}
func (Noop) Close()                                    {}

// kafkaProducer is the subset of *kafka.Producer the publisher uses.
type kafkaProducer interface {
	Produce(msg *k.Message, deliveryChan chan k.Event) error
	Events() chan k.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher produces events asynchronously; delivery reports are
// consumed by a background goroutine.
type KafkaPublisher struct {
	producer kafkaProducer
	topic    string
	done     sync.WaitGroup
}

func ProducerConfigMap(cfg config.KafkaConfig) *k.ConfigMap {
	return &k.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"client.id":         cfg.ClientID,
		"acks":              cfg.Producer.Acks,
		"retries":           cfg.Producer.MaxRetries,
		"linger.ms":         cfg.Producer.LingerMs,
		"compression.type":  cfg.Producer.CompressionType,
	}
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher needs brokers and a topic")
	}

	producer, err := k.NewProducer(ProducerConfigMap(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	logger.Get().Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher created")

	return newKafkaPublisher(producer, cfg.Topic), nil
}

func newKafkaPublisher(producer kafkaProducer, topic string) *KafkaPublisher {
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
	}
	p.done.Add(1)
	go p.handleDeliveryReports()
	return p
}

// NewMessage encodes event for topic, keyed by the requested index.
func NewMessage(topic string, event ComputationEvent) (*k.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &k.Message{
		TopicPartition: k.TopicPartition{
			Topic:     &topic,
			Partition: k.PartitionAny,
		},
		Key:   []byte(strconv.FormatUint(event.Number, 10)),
		Value: data,
		Headers: []k.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}

// headerCarrier adapts Kafka message headers to a propagation.TextMapCarrier.
type headerCarrier struct {
	msg *k.Message
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, k.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// Publish enqueues event under a producer span whose context travels in the
// message headers.
func (p *KafkaPublisher) Publish(ctx context.Context, event ComputationEvent) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "fibonacci.publish",
		append(tracing.KafkaAttributes(p.topic, "publish"), attribute.Int64("fibonacci.input", int64(event.Number))),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()
	log := logger.Ctx(ctx)

	msg, err := NewMessage(p.topic, event)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		tracing.RecordError(span, err, "encode failed")
		log.Error().Err(err).Msg("Failed to encode computation event")
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: msg})

	// A nil delivery channel routes the report to Events().
	if err := p.producer.Produce(msg, nil); err != nil {
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		tracing.RecordError(span, err, "enqueue failed")
		log.Warn().Err(err).Uint64("number", event.Number).Msg("Failed to enqueue computation event")
	}
}

func (p *KafkaPublisher) handleDeliveryReports() {
	defer p.done.Done()
	log := logger.Get()

	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *k.Message:
			if ev.TopicPartition.Error != nil {
				metrics.EventsPublished.WithLabelValues("failed").Inc()
				log.Error().
					Err(ev.TopicPartition.Error).
					Str("key", string(ev.Key)).
					Msg("Delivery failed")
				continue
			}
			metrics.EventsPublished.WithLabelValues("delivered").Inc()
			log.Debug().
				Int32("partition", ev.TopicPartition.Partition).
				Int64("offset", int64(ev.TopicPartition.Offset)).
				Msg("Message delivered")
		case k.Error:
			log.Error().
				Err(ev).
				Int("code", int(ev.Code())).
				Msg("Kafka error")
		}
	}
}

// Close flushes outstanding messages for up to 15 seconds and closes the
// producer.
func (p *KafkaPublisher) Close() {
	if remaining := p.producer.Flush(15 * 1000); remaining > 0 {
		logger.Get().Warn().Int("remaining", remaining).Msg("Kafka publisher closed with undelivered events")
	}
	p.producer.Close()
	p.done.Wait()
}

// FromConfig returns a KafkaPublisher when publishing is enabled and a Noop
// otherwise.
func FromConfig(enabled bool, cfg config.KafkaConfig) (Publisher, error) {
	if !enabled {
		return Noop{}, nil
	}
	p, err := NewKafkaPublisher(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
