package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	addr := pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
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
	if *addr != "" {
		cfg.HTTPAddr = *addr
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

	var locker chat.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker = chat.NewRedisLocker(rdb, cfg.SessionLockTTL, log)
		log.Info("session lock: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = chat.NewMemoryLocker()
		log.Info("session lock: in-process")
	}

	provider := ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaTimeout)
	svc := chat.NewService(chat.NewRepo(gdb), provider, locker, chat.Options{
		SystemPrompt: cfg.SystemPrompt,
		MaxHistory:   cfg.MaxHistory,
		LockWait:     cfg.SessionLockWait,
	}, log)

	var jobs handlers.JobPublisher
	if cfg.AsyncEnabled() {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		jobs = pub
		log.Info("async turns enabled", zap.String("queue", cfg.RabbitQueue))
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(handlers.NewHandler(cfg, svc, jobs, log))

	// no WriteTimeout: streamed replies have no total bound
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("ollama_base_url", cfg.OllamaBaseURL),
			zap.String("model", cfg.OllamaModel),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
