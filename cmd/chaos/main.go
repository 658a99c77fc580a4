// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/chaos"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "observation window per experiment")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	target, err := chaos.NewTarget(ctx, 5, 2, 20, *seed, logger.Named("lending").WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		logger.Fatal("failed to build target", zap.Error(err))
	}
	defer target.Close(ctx)

	engine := chaos.NewEngine(logger)
	held := engine.RunGameDay(ctx, chaos.GameDay{
		Name:      "Lending Chaos Game Day",
		Scenarios: target.Experiments(*duration),
		Pause:     time.Second,
	})
	if !held {
		logger.Error("hypothesis violated", zap.Uint64("seed", *seed))
		os.Exit(1)
	}
	logger.Info("all hypotheses held", zap.Uint64("seed", *seed))
}
