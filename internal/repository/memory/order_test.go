package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

func newOrder(t *testing.T, id, buyer string, created time.Time) *entity.Order {
	t.Helper()
	o, err := entity.NewOrder(id, buyer, entity.Contact{}, []entity.OrderItem{
		{ProductID: "P1", Name: "Widget", Price: decimal.NewFromInt(3), Quantity: 2},
	}, created)
	require.NoError(t, err)
	return o
}

func TestOrderRepository_UpdateStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Now().UTC()

	o := newOrder(t, "o-1", "b-1", now)
	require.NoError(t, repo.Create(ctx, o))

	change, err := o.TransitionTo(entity.StatusProcessing, "", now)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, change))

	// A second writer still believing the order is PENDING loses.
	stale := newOrder(t, "o-1", "b-1", now)
	cancel, err := stale.TransitionTo(entity.StatusCancelled, "late", now)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, cancel), entity.ErrStatusConflict)

	got, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessing, got.Status())
	assert.Len(t, got.History(), 2)
}

func TestOrderRepository_GetUnknown(t *testing.T) {
	_, err := NewOrderRepository().Get(context.Background(), "nope")
	assert.ErrorIs(t, err, entity.ErrOrderNotFound)
}

func TestOrderRepository_ListByBuyer(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"o-1", "o-2", "o-3"} {
		require.NoError(t, repo.Create(ctx, newOrder(t, id, "b-1", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, repo.Create(ctx, newOrder(t, "o-other", "b-2", base)))

	orders, err := repo.ListByBuyer(ctx, "b-1", repository.OrderFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o-3", orders[0].ID)
	assert.Equal(t, "o-2", orders[1].ID)

	orders, err = repo.ListByBuyer(ctx, "b-1", repository.OrderFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-1", orders[0].ID)

	processing := entity.StatusProcessing
	orders, err = repo.ListByBuyer(ctx, "b-1", repository.OrderFilter{Status: &processing, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, orders)
}
