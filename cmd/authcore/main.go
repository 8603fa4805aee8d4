package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/infra/app"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to init app", zap.Error(err))
	}

	if err := application.Run(ctx); err != nil {
		zlog.Error("application stopped", zap.Error(err))
		os.Exit(1)
	}
}
