package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/app"
	"paylane-backend/internal/config"
	"paylane-backend/internal/handlers"
	"paylane-backend/internal/middleware"
	"paylane-backend/internal/router"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	// .env is optional; environment wins over the yaml file either way.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.InitializeContainer(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize services")
	}
	defer container.Close()

	rateLimiter := middleware.NewRateLimiter(
		container.RateLimits,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		cfg.RateLimit.MaxRequests,
		logger,
	)
	prunerStop := make(chan struct{})
	rateLimiter.StartPruner(prunerStop)
	defer close(prunerStop)

	h := &router.Handlers{
		Transfer:  handlers.NewTransferHandler(container.Transfers, logger),
		Receipt:   handlers.NewReceiptHandler(container.Transfers, container.Receipts, cfg.Chain.ChainID, logger),
		Websocket: handlers.NewWebsocketHandler(container.WSHub, logger),
		Admin: handlers.NewAdminHandler(
			container.AdminAuth,
			container.Chain,
			container.Transfers,
			common.HexToAddress(cfg.Chain.Router),
			common.HexToAddress(cfg.Chain.SponsorAccount),
			cfg.Chain.ChainID,
			logger,
		),
		AdminAuth: middleware.NewAdminAuth(container.AdminAuth, logger),
		RateLimit: rateLimiter,
	}

	engine := router.New(cfg, h, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    srv.Addr,
			"chainId": cfg.Chain.ChainID,
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server exited")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
	}
	logger.Info("server stopped")
}
