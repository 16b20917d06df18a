// Package main provides the reconciliation worker entry point. The worker
// sweeps jobs no client is polling and repairs refunds that were missed when
// a failure was recorded.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sselfie/generation-core/internal/app"
	"github.com/sselfie/generation-core/internal/config"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "Run a single sweep and exit")
	flag.Parse()

	fmt.Println("Generation Core Reconciliation Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")

	core, err := app.Build(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize generation core")
	}
	defer core.Close()

	sweeper, err := worker.NewSweeper(&worker.SweeperConfig{
		Jobs:             core.Jobs,
		Reconciler:       core.Reconciler,
		Logger:           logger,
		Interval:         cfg.Sweep.Interval,
		BatchSize:        cfg.Sweep.BatchSize,
		Workers:          cfg.Sweep.Workers,
		MinAge:           cfg.Sweep.MinAge,
		ExpectedDuration: cfg.Reconcile.ExpectedDuration,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sweeper")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		result, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Sweep failed")
		}
		logger.WithFields(map[string]interface{}{
			"scanned":  result.Scanned,
			"errors":   result.Errors,
			"refunded": result.Refunded,
			"outcomes": result.Outcomes,
		}).Info("Sweep completed")
		return
	}

	if err := sweeper.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sweeper")
	}

	logger.WithFields(map[string]interface{}{
		"interval": cfg.Sweep.Interval.String(),
		"workers":  cfg.Sweep.Workers,
		"batch":    cfg.Sweep.BatchSize,
	}).Info("Worker started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := sweeper.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Worker did not stop cleanly")
	}

	logger.Info("Worker exited")
}
