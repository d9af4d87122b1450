package main

import (
	"context"
	"errors"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	app := mustBootstrapOrderAPI(logger)
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("order-api terminated with error", zap.Error(err))
	}
}
