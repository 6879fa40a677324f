// Package transport picks the broker implementation named by BROKER_DRIVER.
package transport

import (
	"fmt"
	"log/slog"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/config"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging/kafka"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging/watermill"
)

type Broker interface {
	messaging.Publisher
	messaging.Subscriber
	Close() error
}

func New(driver string, log *slog.Logger, brokers []string, retry messaging.RetryPolicy) (Broker, error) {
	switch driver {
	case config.BrokerKafkaGo:
		return kafka.NewKafkaBroker(log, brokers, retry), nil
	case config.BrokerWatermill:
		b, err := watermill.NewBroker(log, brokers, retry)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", driver)
	}
}
