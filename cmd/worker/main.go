package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/wallet-scheduler/internal/config"
	"github.com/richardliu001/wallet-scheduler/internal/gateway"
	"github.com/richardliu001/wallet-scheduler/internal/logger"
	"github.com/richardliu001/wallet-scheduler/internal/queue"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"github.com/richardliu001/wallet-scheduler/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt: true,
		NowFunc:     func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// the worker never publishes outbox events itself; the poller relays them
	repository := repo.NewRepository(gdb, rdb, nil, log)
	gw := gateway.NewClient(cfg.Gateway, log)
	withdrawals := service.NewWithdrawalService(repository, gw, log)

	policy := queue.RetryPolicy{
		MaxRetries: cfg.Worker.MaxRetries,
		Delay:      cfg.Worker.RetryDelay,
		Permanent:  func(err error) bool { return errors.Is(err, repo.ErrTransactionNotFound) },
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.WithdrawalsTopic,
		})
		consumer := queue.NewConsumer(reader, withdrawals.ExecuteWithdrawal, policy, log)
		g.Go(func() error {
			defer reader.Close()
			return consumer.Run(ctx)
		})
	}

	log.Infof("wallet-worker started with %d consumers", cfg.Worker.Concurrency)
	if err := g.Wait(); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Info("wallet-worker stopped")
}
