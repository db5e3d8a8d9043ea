package main

import (
	"context"
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

	tasks := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.WithdrawalsTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer tasks.Close()

	repository := repo.NewRepository(gdb, rdb, nil, log)
	// the reclaimer only refunds; it never calls the gateway
	withdrawals := service.NewWithdrawalService(repository, gateway.NewClient(cfg.Gateway, log), log)
	scanner := service.NewScanner(repository, queue.NewKafkaQueue(tasks), cfg.Scheduler, log)
	reclaimer := service.NewReclaimer(repository, withdrawals, cfg.Scheduler, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scanner.Run(ctx) })
	g.Go(func() error { return reclaimer.Run(ctx) })

	log.Info("wallet-scheduler started")
	if err := g.Wait(); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	log.Info("wallet-scheduler stopped")
}
