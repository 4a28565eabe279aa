package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-cart-orders/internal/config"
	"github.com/ariefcatur/go-cart-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-cart-orders/internal/kafka"
	"github.com/ariefcatur/go-cart-orders/internal/metrics"
	"github.com/ariefcatur/go-cart-orders/internal/observability"
	"github.com/ariefcatur/go-cart-orders/internal/orders"
	"github.com/ariefcatur/go-cart-orders/internal/outbox"
	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/ariefcatur/go-cart-orders/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := observability.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if cfg.RunMigrations {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}
	txr := &postgres.TxRunner{Pool: db, Isolation: postgres.ParseIsolation(cfg.TxIsolation)}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Engine & handler
	query := &orders.Query{DB: db}
	engine := &orders.Engine{
		Tx:          txr,
		Ledger:      &orders.Ledger{DB: db},
		Carts:       &orders.CartStore{},
		Repo:        &orders.Repo{},
		Directory:   &orders.Directory{},
		Query:       query,
		Log:         logger.Named("workflow"),
		Tracer:      otel.Tracer("order-workflow"),
		Metrics:     metrics.NewWorkflow(reg, "api"),
		Service:     cfg.ServiceName,
		EventsTopic: cfg.EventsTopic,
	}
	router := httpx.NewRouter(logger.Named("http"), metrics.NewServer(reg, "api"), reg)
	oh := &httpx.OrdersHandler{
		Workflow: engine,
		Reader:   query,
		Redis:    rdb,
		Cache:    &redisx.Cache{RDB: rdb},
		Log:      logger,
	}
	oh.Register(router)

	// Outbox relay -> Kafka. Without brokers events stay in the outbox.
	var prod *kafkax.Producer
	relayDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers)
		relay := &outbox.Relay{
			Tx:       txr,
			Log:      logger.Named("outbox"),
			Metrics:  metrics.NewOutbox(reg, "api"),
			Interval: cfg.RelayInterval,
			Batch:    cfg.RelayBatch,
			Publish: func(ctx context.Context, rec outbox.Record) error {
				return prod.Publish(ctx, rec.Topic, orders.PartitionKey(rec.Key), rec.Payload,
					kafkax.EventHeaders(rec.EventType, 1)...)
			},
		}
		go func() {
			defer close(relayDone)
			relay.Run(ctx)
		}()
	} else {
		logger.Warn("KAFKA_BROKERS empty, events are kept in the outbox")
		close(relayDone)
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel() // stop relay loop
	<-relayDone
	if prod != nil {
		_ = prod.Close()
	}
	_ = shutdownTracing(ctx2)
}
