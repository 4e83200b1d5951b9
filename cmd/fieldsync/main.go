package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/routebook/routebook/internal/app"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping agent startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadAgentConfig()
	if err != nil {
		slog.Default().Error("load agent config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewAgentLogger(cfg)

	if err := run(ctx, cfg, logger, os.Stdout, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fieldsync", slog.Any("error", err))
		os.Exit(1)
	}
}
