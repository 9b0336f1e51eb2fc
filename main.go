package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"naskahsync/config"
	"naskahsync/pkg/logger"
	"naskahsync/server"
)

func main() {
	cfg, err := config.Load()
	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()
	if err != nil {
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}
