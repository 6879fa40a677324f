package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/telemetry"
)

// Publisher implements messaging.Publisher by appending to the outbox. The relay
// delivers the rows to Kafka.
type Publisher struct {
	store         Store
	aggregateType string
}

func NewPublisher(store Store, aggregateType string) *Publisher {
	return &Publisher{store: store, aggregateType: aggregateType}
}

func (p *Publisher) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{}
	telemetry.InjectMap(ctx, headers)

	err = p.store.Insert(ctx, Event{
		AggregateType: p.aggregateType,
		AggregateID:   key,
		Topic:         topic,
		Type:          messaging.EventType(event),
		Payload:       payload,
		Headers:       headers,
		Traceparent:   headers[telemetry.TraceparentHeader],
		Status:        StatusPending,
	})
	if err != nil {
		return fmt.Errorf("failed to store outbox event for %s: %w", key, err)
	}
	return nil
}
