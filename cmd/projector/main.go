package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logx"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/projector"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	name := cfg.ServiceName + "-projector"
	logger, err := logx.New(logx.Options{Service: name, Env: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required for the projector")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projector.Service{
		Dedup:  &redisx.Dedup{RDB: rdb, Service: name},
		Status: &redisx.StatusCache{RDB: rdb},
		Log:    logger,
	}

	// Consumer
	topics := []string{orders.TopicOrderPlaced, orders.TopicOrderStatusChanged}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, topics, cfg.ProjectorWorkers, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("projector consumer started",
			zap.String("group", cfg.ProjectorGroup),
			zap.Strings("topics", topics),
			zap.Int("workers", cfg.ProjectorWorkers),
		)
		return cons.Start(gctx, svc.Handle)
	})
	if err := g.Wait(); err != nil {
		logger.Error("consumer exit", zap.Error(err))
		return
	}
	logger.Info("projector stopped")
}
