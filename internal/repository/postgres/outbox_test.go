//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/outbox"
)

func insertEvent(t *testing.T, store *OutboxStore, key string) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), outbox.Event{
		AggregateType: "order",
		AggregateID:   key,
		Topic:         "orders.reservation.requested",
		Type:          "ProductReservationRequested",
		Payload:       []byte(`{"orderId":"` + key + `"}`),
		Headers:       map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
		Traceparent:   "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
	}))
}

func TestOutboxStore_LeaseAndSend(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(openOrderDB(t), 3)
	insertEvent(t, store, "o-1")
	insertEvent(t, store, "o-2")

	events, err := store.LockBatch(ctx, "relay-a", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "o-1", events[0].AggregateID)
	assert.Equal(t, "relay-a", events[0].RelayID)
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", events[0].Headers["traceparent"])

	// Leased rows are invisible to another relay.
	other, err := store.LockBatch(ctx, "relay-b", 10, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, store.ExtendLease(ctx, "relay-a", []int64{events[1].ID}, 5*time.Second))
	require.NoError(t, store.MarkSent(ctx, []int64{events[0].ID, events[1].ID}))
}

func TestOutboxStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(openOrderDB(t), 3)
	insertEvent(t, store, "o-1")

	_, err := store.LockBatch(ctx, "relay-a", 10, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	events, err := store.LockBatch(ctx, "relay-b", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "relay-b", events[0].RelayID)
}

func TestOutboxStore_MarkFailedRetriesUntilLimit(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(openOrderDB(t), 2)
	insertEvent(t, store, "o-1")

	events, err := store.LockBatch(ctx, "relay-a", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, store.MarkFailed(ctx, events[0].ID, "broker down"))

	events, err = store.LockBatch(ctx, "relay-a", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].RetryCount)
	require.NoError(t, store.MarkFailed(ctx, events[0].ID, "broker down"))

	events, err = store.LockBatch(ctx, "relay-a", 10, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, events)
}
