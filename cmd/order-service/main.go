package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/catalog"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/config"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/delivery/consumer"
	deliveryhttp "github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/delivery/http"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/logging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging/kafka"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging/transport"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/outbox"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository/memory"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository/postgres"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/sagalog/sqlite"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/service"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/telemetry"
)

func main() {
	cfg, err := config.Load(config.OrderService)
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Service, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Order service stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Tracing ---
	if cfg.TracingEnabled {
		shutdown, err := telemetry.SetupTracer(ctx, cfg.Service, cfg.OtelEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("Tracer shutdown failed", "err", err)
			}
		}()
	} else {
		telemetry.SetupPropagator()
	}

	// --- Kafka ---
	retry := messaging.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.HandlerMaxAttempts

	broker, err := transport.New(cfg.BrokerDriver, log, cfg.KafkaBrokers, retry)
	if err != nil {
		return err
	}
	defer broker.Close()

	// --- Database ---
	var (
		orders    repository.OrderRepository
		publisher messaging.Publisher = broker
		relay     *outbox.Relay
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn("Using in-memory order store, orders are lost on restart")
		orders = memory.NewOrderRepository()
	default:
		db, err := postgres.InitDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		orders = postgres.NewOrderRepository(db)
		if cfg.OutboxEnabled {
			var closeWriter func() error
			publisher, relay, closeWriter = newOutbox(cfg, log, db)
			defer closeWriter()
		}
	}

	sagaOpts := []service.SagaOption{service.WithCatalogTimeout(cfg.CatalogTimeout)}
	if cfg.SagaLogPath != "" {
		journal, err := sqlite.Open(cfg.SagaLogPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		sagaOpts = append(sagaOpts, service.WithJournal(journal))
	}

	saga := service.NewOrderSaga(orders, catalog.NewClient(cfg.CatalogURL, cfg.CatalogTimeout), publisher, sagaOpts...)

	// --- Start everything ---
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(ctx, broker, cfg.ConsumerGroup, consumer.OrderServiceBindings(saga))
	}()
	if relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Outbox relay stopped", "err", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           deliveryhttp.NewRouter(deliveryhttp.NewHandler(saga)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	log.Info("Kafka consumers started", "driver", cfg.BrokerDriver, "group", cfg.ConsumerGroup, "outbox", relay != nil)

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "err", err)
	}
	wg.Wait()
	return nil
}

// newOutbox routes saga emissions through the outbox table and returns the relay
// that ships them to Kafka.
func newOutbox(cfg *config.Config, log *slog.Logger, db *sql.DB) (messaging.Publisher, *outbox.Relay, func() error) {
	store := postgres.NewOutboxStore(db, config.OutboxMaxRetries)
	writer := kafka.NewWriter(cfg.KafkaBrokers)

	relayID := fmt.Sprintf("%s-%s", cfg.Service, uuid.NewString())
	relay := outbox.NewRelay(log, store, outbox.NewDispatcher(log, writer), relayID,
		outbox.WithBatchSize(config.OutboxBatchSize),
		outbox.WithInterval(cfg.OutboxInterval),
		outbox.WithLease(config.OutboxLease),
	)
	return outbox.NewPublisher(store, "order"), relay, writer.Close
}
