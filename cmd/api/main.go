package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	"github.com/ariefcatur/go-marketplace-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logx"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/postgres"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logx.New(logx.Options{Service: cfg.ServiceName, Env: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	priceSource, err := orders.ParsePriceSource(cfg.PriceSource)
	if err != nil {
		return fmt.Errorf("PRICE_SOURCE: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers: satu per topic. Tanpa broker, event dibuang.
	var placed, changed kafkax.Publisher = kafkax.Discard{}, kafkax.Discard{}
	var producers []*kafkax.Producer
	pctx, cancelProducers := context.WithCancel(context.Background())
	defer cancelProducers()
	if len(cfg.KafkaBrokers) > 0 {
		pPlaced := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPlaced, 1024, logger)
		pChanged := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, logger)
		producers = append(producers, pPlaced, pChanged)
		for _, p := range producers {
			p.Start(pctx)
		}
		placed, changed = pPlaced, pChanged
	} else {
		logger.Warn("KAFKA_BROKERS empty, events disabled")
	}

	svc := orders.NewService(store, logger, orders.Options{
		PriceSource:       priceSource,
		StrictTransitions: cfg.StrictStatus,
		RecentLimit:       cfg.RecentOrdersLimit,
	})
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Service:       svc,
		Placed:        placed,
		StatusChanged: changed,
		Cache:         &redisx.StatusCache{RDB: rdb},
		Log:           logger,
		Name:          cfg.ServiceName,
		Timeout:       cfg.RequestTimeout,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	// server sudah berhenti: flush sisa event lalu tutup writer
	for _, p := range producers {
		p.Close()
	}
	for _, p := range producers {
		p.WaitClosed()
	}
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (orders.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on exit")
		return orders.NewMemoryStore(), func() {}, nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{
			MaxConns: int32(cfg.DBMaxConns),
			MinConns: int32(cfg.DBMinConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return &orders.PostgresStore{DB: db}, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
