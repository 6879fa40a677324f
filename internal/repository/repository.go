package repository

import (
	"context"
	"fmt"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
)

// OrderRepository handles persistence for Orders and their status history.
type OrderRepository interface {
	Create(ctx context.Context, order *entity.Order) error
	// Get returns entity.ErrOrderNotFound for unknown ids.
	Get(ctx context.Context, id string) (*entity.Order, error)
	// UpdateStatus stores change only if the order is still in change.OldStatus and
	// returns entity.ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, change entity.StatusChange) error
	ListByBuyer(ctx context.Context, buyerID string, filter OrderFilter) ([]*entity.Order, error)
}

// OrderFilter narrows a buyer's order listing.
type OrderFilter struct {
	Status *entity.Status
	Limit  int
	Offset int
}

// InventoryRepository owns per-product quantities and reservation records.
type InventoryRepository interface {
	// Get returns entity.ErrProductNotFound for unknown ids.
	Get(ctx context.Context, productID string) (entity.Product, error)
	ListIDsBySeller(ctx context.Context, sellerID string) ([]string, error)
	Upsert(ctx context.Context, product entity.Product) error
	// ReserveBatch decrements every line or none. Insufficient or missing lines are
	// reported in the result without mutating stock. Both outcomes are recorded per
	// order and a repeated call returns the recorded result. A failure after
	// validation rolls back the partial decrements and returns
	// entity.ErrConsistencyViolation.
	ReserveBatch(ctx context.Context, orderID string, lines []entity.StockLine) (entity.ReservationResult, error)
	// ReleaseBatch increments the lines recorded by the order's held reservation,
	// marks it released and returns those lines. Unknown or failed reservations return
	// entity.ErrReservationNotFound; an already released reservation returns no lines.
	ReleaseBatch(ctx context.Context, orderID string) ([]entity.StockLine, error)
}

// EventKind distinguishes dedup entries for the same order.
type EventKind string

const (
	KindOrderCreated     EventKind = "order-created"
	KindInventoryRelease EventKind = "inventory-release"
)

// DedupKey is the idempotency key of an inbound inventory message.
func DedupKey(orderID string, kind EventKind) string {
	return fmt.Sprintf("dedup:%s:%s", kind, orderID)
}

// DedupStore records inbound message keys before inventory is mutated.
type DedupStore interface {
	// Claim records key and reports whether this caller is the first to see it.
	Claim(ctx context.Context, key string) (bool, error)
	// Complete stores the result of a claimed key.
	Complete(ctx context.Context, key string, outcome string) error
	// Outcome returns the stored result, or "" while the key is claimed but unfinished.
	Outcome(ctx context.Context, key string) (string, error)
	// Forget drops a claim so a redelivery can retry.
	Forget(ctx context.Context, key string) error
}
