package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/app"
	"warroom-agent/pkg/config"
	"warroom-agent/pkg/metrics"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Warn("Failed to apply logging configuration")
	}

	metrics.Init(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := app.NewController(cfg, logger)
	if err := controller.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start agent session")
	}

	if err := controller.StartCall(ctx); err != nil {
		logger.WithError(err).Error("Failed to start call, war room remains available")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	cancel()
	controller.Shutdown(context.Background())
}
