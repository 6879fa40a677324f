package outbox

import (
	"context"
	"fmt"
	"log/slog"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/telemetry"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafkaGo.Message) error
}

type Dispatcher struct {
	log      *slog.Logger
	producer Producer
}

func NewDispatcher(log *slog.Logger, producer Producer) *Dispatcher {
	return &Dispatcher{log: log, producer: producer}
}

// Dispatch writes event to its topic keyed by the aggregate id.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	headers := make([]kafkaGo.Header, 0, len(event.Headers)+2)
	for k, v := range event.Headers {
		if k == telemetry.TraceparentHeader {
			continue
		}
		headers = append(headers, kafkaGo.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafkaGo.Header{Key: messaging.HeaderEventType, Value: []byte(event.Type)})
	if event.Traceparent != "" {
		headers = append(headers, kafkaGo.Header{Key: telemetry.TraceparentHeader, Value: []byte(event.Traceparent)})
	}

	msg := kafkaGo.Message{
		Topic:   event.Topic,
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("outbox dispatch failed", "event_id", event.ID, "topic", event.Topic, "err", err)
		return fmt.Errorf("failed to dispatch outbox event %d: %w", event.ID, err)
	}
	d.log.Debug("outbox dispatched", "event_id", event.ID, "type", event.Type, "topic", event.Topic)
	return nil
}
