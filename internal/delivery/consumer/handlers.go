// Package consumer decodes broker payloads and hands them to the saga services.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
)

type OutcomeHandler interface {
	HandleReservationOutcome(ctx context.Context, msg entity.ReservationOutcome) error
}

type ReservationHandler interface {
	HandleOrderCreated(ctx context.Context, msg entity.OrderCreated) error
	HandleInventoryRelease(ctx context.Context, msg entity.InventoryReleaseEvent) error
}

// Binding ties a topic to the handler consuming it.
type Binding struct {
	Topic   string
	Handler messaging.Handler
}

// OrderServiceBindings consumes both reservation outcome topics.
func OrderServiceBindings(saga OutcomeHandler) []Binding {
	h := ReservationOutcome(saga)
	return []Binding{
		{Topic: messaging.TopicReservationSucceeded, Handler: h},
		{Topic: messaging.TopicReservationFailed, Handler: h},
	}
}

// InventoryServiceBindings consumes reservation requests and releases.
func InventoryServiceBindings(processor ReservationHandler) []Binding {
	return []Binding{
		{Topic: messaging.TopicReservationRequested, Handler: OrderCreated(processor)},
		{Topic: messaging.TopicInventoryRelease, Handler: InventoryRelease(processor)},
	}
}

func ReservationOutcome(saga OutcomeHandler) messaging.Handler {
	return func(ctx context.Context, payload []byte) error {
		var msg entity.ReservationOutcome
		if err := decode(payload, &msg); err != nil {
			return err
		}
		return saga.HandleReservationOutcome(ctx, msg)
	}
}

func OrderCreated(processor ReservationHandler) messaging.Handler {
	return func(ctx context.Context, payload []byte) error {
		var msg entity.OrderCreated
		if err := decode(payload, &msg); err != nil {
			return err
		}
		return processor.HandleOrderCreated(ctx, msg)
	}
}

func InventoryRelease(processor ReservationHandler) messaging.Handler {
	return func(ctx context.Context, payload []byte) error {
		var msg entity.InventoryReleaseEvent
		if err := decode(payload, &msg); err != nil {
			return err
		}
		return processor.HandleInventoryRelease(ctx, msg)
	}
}

// decode fails permanently: a payload that does not parse never will.
func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return messaging.Permanent(fmt.Errorf("failed to unmarshal payload: %w", err))
	}
	return nil
}

// Run consumes every binding under groupID and returns once all consumers stopped.
func Run(ctx context.Context, sub messaging.Subscriber, groupID string, bindings []Binding) {
	var wg sync.WaitGroup
	for _, b := range bindings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Consume(ctx, b.Topic, groupID, b.Handler)
		}()
	}
	wg.Wait()
}
