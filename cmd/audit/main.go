package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/oakline/storefront/internal/audit"
	"github.com/oakline/storefront/internal/config"
	kafkax "github.com/oakline/storefront/internal/kafka"
	"github.com/oakline/storefront/internal/orders"
	"github.com/oakline/storefront/internal/postgres"
	"github.com/oakline/storefront/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &audit.Service{
		DB:          db,
		Redis:       rdb,
		Log:         logger,
		ServiceName: cfg.ServiceName + "-audit",
	}

	group := getenv("AUDIT_GROUP", "checkout-audit")
	workers := mustAtoi(os.Getenv("AUDIT_WORKERS"), 4)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.Topics(), workers, logger)

	go func() {
		logger.Info("audit consumer started",
			zap.String("group", group),
			zap.Strings("topics", orders.Topics()),
			zap.Int("workers", workers))
		if err := cons.Start(ctx, svc.HandleEvent); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("shutting down consumer")
	case <-ctx.Done():
	}
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
