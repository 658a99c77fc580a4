// cmd/circulation/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/app"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/config"
	"github.com/libranexus/lending/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "lending-circulation", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	application, err := app.New(ctx, cfg, clock.System{}, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	if err := application.Run(ctx); err != nil {
		logger.Error("stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
