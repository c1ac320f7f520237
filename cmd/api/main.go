package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/oakline/storefront/internal/catalog"
	"github.com/oakline/storefront/internal/config"
	"github.com/oakline/storefront/internal/httpx"
	kafkax "github.com/oakline/storefront/internal/kafka"
	"github.com/oakline/storefront/internal/orders"
	"github.com/oakline/storefront/internal/payment"
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

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// One async producer per checkout topic.
	producers := map[string]*kafkax.Producer{}
	for _, topic := range orders.Topics() {
		p := kafkax.NewProducer(cfg.KafkaBrokers, topic, 1024, logger)
		p.Start(ctx)
		producers[topic] = p
	}
	sink := &orders.KafkaSink{Producers: producers}

	// Payment gateway
	gateway, err := payment.NewPayPal(ctx, cfg.PayPalClientID, cfg.PayPalSecret, cfg.PayPalLive)
	if err != nil {
		logger.Fatal("paypal client", zap.Error(err))
	}

	orderRepo := &orders.Repo{DB: db}
	svc := orders.NewService(orderRepo, gateway, sink, rdb, logger, orders.ServiceConfig{
		ServiceName:      cfg.ServiceName,
		Currency:         cfg.Currency,
		ShippingStandard: cfg.ShippingStandard,
		ShippingExpress:  cfg.ShippingExpress,
		ReservationTTL:   cfg.ReservationTTL,
		SweepBatch:       cfg.SweepBatch,
		GatewayTimeout:   cfg.GatewayTimeout,
	})

	router := httpx.NewRouter()
	(&httpx.CheckoutHandler{Service: svc, Repo: orderRepo, Redis: rdb, Log: logger}).Register(router)
	(&httpx.CatalogHandler{Repo: &catalog.Repo{DB: db}, Checkout: svc, Log: logger}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)

	for _, p := range producers {
		p.Close()
	}
	cancel()
	for _, p := range producers {
		p.WaitClosed()
	}
}
