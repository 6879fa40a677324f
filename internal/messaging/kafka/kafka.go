package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkaGo "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/telemetry"
)

// Broker publishes through one shared writer and consumes with one reader per topic.
type Broker struct {
	log     *slog.Logger
	brokers []string
	writer  *kafkaGo.Writer
	retry   messaging.RetryPolicy
	tracer  trace.Tracer
}

// NewKafkaBroker creates a new Kafka publisher and subscriber.
func NewKafkaBroker(log *slog.Logger, brokers []string, retry messaging.RetryPolicy) *Broker {
	return &Broker{
		log:     log,
		brokers: brokers,
		writer:  NewWriter(brokers),
		retry:   retry,
		tracer:  otel.Tracer("kafka-broker"),
	}
}

// NewWriter creates a writer without a fixed topic. Messages are hashed by key so
// every event of an order lands on the same partition.
func NewWriter(brokers []string) *kafkaGo.Writer {
	return &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(brokers...),
		Balancer:               &kafkaGo.Hash{},
		RequiredAcks:           kafkaGo.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Writer exposes the shared writer for the outbox dispatcher.
func (k *Broker) Writer() *kafkaGo.Writer {
	return k.writer
}

func (k *Broker) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := []kafkaGo.Header{{Key: messaging.HeaderEventType, Value: []byte(messaging.EventType(event))}}
	headers = telemetry.InjectKafkaHeaders(ctx, headers)

	if err := k.writer.WriteMessages(ctx, kafkaGo.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Consume reads topic until ctx is cancelled. Offsets are committed only after the
// handler succeeded, returned a permanent error or ran out of attempts.
func (k *Broker) Consume(ctx context.Context, topic string, groupID string, handler messaging.Handler) {
	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers: k.brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.log.Info("Consumer shutting down", "topic", topic)
				return
			}
			k.log.Error("Error reading message", "topic", topic, "err", err)
			continue
		}

		k.handle(ctx, msg, handler)

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.log.Error("Error committing message", "topic", topic, "offset", msg.Offset, "err", err)
		}
	}
}

func (k *Broker) handle(ctx context.Context, msg kafkaGo.Message, handler messaging.Handler) {
	msgCtx := telemetry.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := k.tracer.Start(msgCtx, "consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	if err := messaging.HandleWithRetry(msgCtx, k.retry, handler, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		k.log.ErrorContext(msgCtx, "Error handling message, skipping",
			"topic", msg.Topic,
			"key", string(msg.Key),
			"offset", msg.Offset,
			"permanent", messaging.IsPermanent(err),
			"err", err,
		)
	}
}

func (k *Broker) Close() error {
	return k.writer.Close()
}
