package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-cart-orders/internal/cachesync"
	"github.com/ariefcatur/go-cart-orders/internal/config"
	kafkax "github.com/ariefcatur/go-cart-orders/internal/kafka"
	"github.com/ariefcatur/go-cart-orders/internal/observability"
	"github.com/ariefcatur/go-cart-orders/internal/orders"
	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/ariefcatur/go-cart-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger, err := observability.NewLogger(cfg.ServiceName+"-cachesync", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB (read side only)
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &cachesync.Service{
		Redis:       rdb,
		Cache:       &redisx.Cache{RDB: rdb},
		Loader:      &orders.Query{DB: db},
		Log:         logger,
		ServiceName: cfg.ServiceName + "-cachesync",
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.CacheSyncGroup, cfg.EventsTopic, cfg.CacheWorkers, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("cachesync consumer started",
			zap.String("group", cfg.CacheSyncGroup),
			zap.String("topic", cfg.EventsTopic),
			zap.Int("workers", cfg.CacheWorkers))
		if err := cons.Start(ctx, svc.HandleOrderEvent); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumer")
	cancel()
	<-done
}
