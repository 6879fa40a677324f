package messaging

import (
	"context"
	"errors"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
)

// Topics exchanged between the order and inventory services.
const (
	TopicReservationRequested = "orders.reservation.requested"
	TopicReservationSucceeded = "products.reservation.succeeded"
	TopicReservationFailed    = "products.reservation.failed"
	TopicInventoryRelease     = "orders.inventory.release"
)

// Metadata keys carried next to the payload.
const (
	HeaderEventType = "event_type"
	HeaderKey       = "key"
)

// Publisher defines an interface for publishing events to a message broker.
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, key string, event any) error
}

// Handler processes one message payload. Returning an error marked with Permanent
// stops redelivery attempts.
type Handler func(ctx context.Context, payload []byte) error

// Subscriber defines an interface for subscribing to a message topic. Consume blocks
// until ctx is cancelled.
type Subscriber interface {
	Consume(ctx context.Context, topic string, groupID string, handler Handler)
}

// ErrPermanent marks handler errors that a retry cannot fix.
var ErrPermanent = errors.New("permanent")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent wraps err so the consumer does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// EventType returns the broker-facing name of event.
func EventType(event any) string {
	if e, ok := event.(entity.Event); ok {
		return e.EventType()
	}
	return ""
}
