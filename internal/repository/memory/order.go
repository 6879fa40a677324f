package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

type orderRepository struct {
	mu     sync.RWMutex
	orders map[string]entity.OrderSnapshot
}

// NewOrderRepository creates an OrderRepository held in process memory.
func NewOrderRepository() repository.OrderRepository {
	return &orderRepository{orders: make(map[string]entity.OrderSnapshot)}
}

func (r *orderRepository) Create(_ context.Context, order *entity.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Same id twice is a redelivery, not a new order.
	if _, ok := r.orders[order.ID]; ok {
		return nil
	}
	r.orders[order.ID] = order.Snapshot()
	return nil
}

func (r *orderRepository) Get(_ context.Context, id string) (*entity.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.orders[id]
	if !ok {
		return nil, entity.ErrOrderNotFound
	}
	return entity.RestoreOrder(snap), nil
}

func (r *orderRepository) UpdateStatus(_ context.Context, change entity.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.orders[change.OrderID]
	if !ok {
		return entity.ErrOrderNotFound
	}
	if snap.Status != change.OldStatus {
		return entity.ErrStatusConflict
	}

	order := entity.RestoreOrder(snap)
	if _, err := order.TransitionTo(change.NewStatus, change.Reason, change.ChangedAt); err != nil {
		return err
	}
	r.orders[change.OrderID] = order.Snapshot()
	return nil
}

func (r *orderRepository) ListByBuyer(_ context.Context, buyerID string, filter repository.OrderFilter) ([]*entity.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []entity.OrderSnapshot
	for _, snap := range r.orders {
		if snap.BuyerID != buyerID {
			continue
		}
		if filter.Status != nil && snap.Status != *filter.Status {
			continue
		}
		matched = append(matched, snap)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if filter.Offset >= len(matched) {
		return []*entity.Order{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	orders := make([]*entity.Order, 0, len(matched))
	for _, snap := range matched {
		orders = append(orders, entity.RestoreOrder(snap))
	}
	return orders, nil
}
