// Package watermill runs the broker ports on watermill-kafka, a sarama based
// alternative to the kafka-go broker selected with BROKER_DRIVER=watermill.
package watermill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/telemetry"
)

type Broker struct {
	log       *slog.Logger
	brokers   []string
	logger    watermill.LoggerAdapter
	marshaler kafka.MarshalerUnmarshaler
	publisher message.Publisher
	retry     messaging.RetryPolicy
}

// NewBroker creates a watermill publisher and remembers the settings needed to
// open one subscriber per consumer group.
func NewBroker(log *slog.Logger, brokers []string, retry messaging.RetryPolicy) (*Broker, error) {
	logger := watermill.NewSlogLogger(log)
	marshaler := kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(messaging.HeaderKey), nil
	})

	publisher, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: kafka.DefaultSaramaSyncPublisherConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create watermill publisher: %w", err)
	}

	return &Broker{
		log:       log,
		brokers:   brokers,
		logger:    logger,
		marshaler: marshaler,
		publisher: publisher,
		retry:     retry,
	}, nil
}

func (b *Broker) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := newMessage(ctx, key, messaging.EventType(event), payload)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func newMessage(ctx context.Context, key, eventType string, payload []byte) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(messaging.HeaderKey, key)
	msg.Metadata.Set(messaging.HeaderEventType, eventType)
	telemetry.InjectMap(ctx, msg.Metadata)
	return msg
}

// Consume subscribes to topic and blocks until ctx is cancelled. Messages are acked
// once handled, including after exhausted retries.
func (b *Broker) Consume(ctx context.Context, topic string, groupID string, handler messaging.Handler) {
	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               b.brokers,
		Unmarshaler:           b.marshaler,
		OverwriteSaramaConfig: saramaConfig,
		ConsumerGroup:         groupID,
	}, b.logger)
	if err != nil {
		b.log.Error("Failed to create watermill subscriber", "topic", topic, "err", err)
		return
	}
	defer subscriber.Close()

	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		b.log.Error("Failed to subscribe", "topic", topic, "err", err)
		return
	}

	for msg := range messages {
		b.handle(ctx, topic, msg, handler)
	}
	b.log.Info("Consumer shutting down", "topic", topic)
}

func (b *Broker) handle(ctx context.Context, topic string, msg *message.Message, handler messaging.Handler) {
	msgCtx := telemetry.ExtractMap(ctx, msg.Metadata)
	if err := messaging.HandleWithRetry(msgCtx, b.retry, handler, msg.Payload); err != nil {
		b.log.ErrorContext(msgCtx, "Error handling message, skipping",
			"topic", topic,
			"key", msg.Metadata.Get(messaging.HeaderKey),
			"message_uuid", msg.UUID,
			"permanent", messaging.IsPermanent(err),
			"err", err,
		)
	}
	msg.Ack()
}

func (b *Broker) Close() error {
	return b.publisher.Close()
}
