package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, err := worker.New(execctx.FromEnviron(os.Environ()), logger)
	if err != nil {
		logger.Fatal("Failed to create worker", zap.Error(err))
	}

	if _, err := w.Run(ctx); err != nil {
		logger.Error("Worker failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
