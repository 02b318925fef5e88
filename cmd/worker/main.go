package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-relay/internal/worker"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	concurrency := pflag.Int("concurrency", 0, "parallel jobs (overrides WORKER_CONCURRENCY)")
	pflag.Parse()

	var (
		cfg config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if !cfg.AsyncEnabled() {
		return errors.New("RABBIT_URL is not set")
	}
	if *concurrency > 0 {
		cfg.WorkerConcurrency = min(*concurrency, 50)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := gdb.AutoMigrate(chat.Models()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// jobs share the session lock with the HTTP server when redis is configured
	var locker chat.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		locker = chat.NewRedisLocker(rdb, cfg.SessionLockTTL, log)
	}

	provider := ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaTimeout)
	svc := chat.NewService(chat.NewRepo(gdb), provider, locker, chat.Options{
		SystemPrompt: cfg.SystemPrompt,
		MaxHistory:   cfg.MaxHistory,
		LockWait:     cfg.SessionLockWait,
	}, log)

	// a job running longer than the lock TTL lost its worker
	if _, err := svc.FailStaleJobs(context.Background(), cfg.SessionLockTTL); err != nil {
		return err
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		return err
	}
	defer consumer.Close()

	deliveries, err := consumer.Deliveries()
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case amqpErr := <-consumer.Closed():
			if amqpErr != nil {
				log.Error("rabbitmq connection lost", zap.String("reason", amqpErr.Reason))
			}
		case <-ctx.Done():
		}
	}()

	log.Info("worker started",
		zap.String("queue", cfg.RabbitQueue),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)
	start := time.Now()
	err = worker.NewPool(svc, cfg.WorkerConcurrency, log).Run(ctx, deliveries)
	log.Info("worker stopped", zap.Duration("uptime", time.Since(start)))
	return err
}
