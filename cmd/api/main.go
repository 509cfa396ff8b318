package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/api"
	"github.com/acme/coupon-issuance/internal/api/handlers"
	"github.com/acme/coupon-issuance/internal/app"
	"github.com/acme/coupon-issuance/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	cfg := container.Config
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App.Name+"-api", cfg.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if cfg.Issuance.AsyncEnabled {
		if err := container.EnsureTopics(ctx); err != nil {
			log.Fatalf("failed to ensure kafka topics: %v", err)
		}
	}

	server := api.NewServer(cfg.HTTP, handlers.NewHandlerSet(container))

	container.Logger.Info("api: listening", zap.Int("port", cfg.HTTP.Port), zap.String("lock_backend", cfg.Lock.Backend))
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
