package transport

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/config"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging/kafka"
)

func TestNew_KafkaGo(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := New(config.BrokerKafkaGo, log, []string{"localhost:9092"}, messaging.DefaultRetryPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.IsType(t, &kafka.Broker{}, b)
}

func TestNew_UnknownDriver(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New("rabbitmq", log, []string{"localhost:9092"}, messaging.DefaultRetryPolicy())
	assert.ErrorContains(t, err, "unknown broker driver")
}
