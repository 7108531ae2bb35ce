package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hl-unit-keeper/internal/app"
	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath), zap.Int("accounts", len(cfg.Accounts)))

	keeper, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize keeper", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := keeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("keeper terminated", zap.Error(err))
		os.Exit(1)
	}
	log.Info("keeper stopped")
}
