package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/config"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/delivery/consumer"
	deliveryhttp "github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/delivery/http"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/idempotency"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/logging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging/transport"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository/memory"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository/postgres"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/service"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/telemetry"
)

func main() {
	cfg, err := config.Load(config.InventoryService)
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Service, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Inventory service stopped", "err", err)
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

	// --- Database ---
	var inventory repository.InventoryRepository
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn("Using in-memory inventory, stock is lost on restart")
		inventory = memory.NewInventoryRepository()
	default:
		pool, err := postgres.InitPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		inventory = postgres.NewInventoryRepository(pool)
	}

	// --- Dedup ---
	var dedup repository.DedupStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		dedup = idempotency.NewStore(rdb, cfg.DedupTTL)
	} else {
		log.Warn("REDIS_ADDR not set, dedup entries are kept in memory")
		dedup = memory.NewDedupStore()
	}

	// --- Kafka ---
	retry := messaging.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.HandlerMaxAttempts

	broker, err := transport.New(cfg.BrokerDriver, log, cfg.KafkaBrokers, retry)
	if err != nil {
		return err
	}
	defer broker.Close()

	processor := service.NewReservationProcessor(inventory, dedup, broker)

	// --- Start everything ---
	consumersDone := make(chan struct{})
	go func() {
		defer close(consumersDone)
		consumer.Run(ctx, broker, cfg.ConsumerGroup, consumer.InventoryServiceBindings(processor))
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           deliveryhttp.NewRouter(deliveryhttp.NewCatalogHandler(inventory)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Catalog API starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	log.Info("Kafka consumers started", "driver", cfg.BrokerDriver, "group", cfg.ConsumerGroup)

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "err", err)
	}
	<-consumersDone
	return nil
}
