package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/teamledger/internal/app"
	"github.com/dvloznov/teamledger/internal/config"
	"github.com/dvloznov/teamledger/internal/logger"
)

// The worker analyzes inbox items and sweeps invoices against the shared
// store. Jobs are held in memory, so items ingested by the API process are
// picked up by periodic requeue scans rather than handed over directly.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("Worker is using the in-memory store; it will only see its own data")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	log.Info().
		Int("workers", cfg.Worker.Workers).
		Dur("sweep_interval", cfg.InvoiceSweepInterval).
		Msg("Starting worker service")

	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}
	go a.RunSweeper(ctx, cfg.InvoiceSweepInterval)
	go requeueLoop(ctx, a, cfg.InvoiceSweepInterval)

	log.Info().Msg("Worker service started, waiting for jobs...")
	<-ctx.Done()
	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping worker")
	}

	log.Info().Msg("Worker service stopped")
}

func requeueLoop(ctx context.Context, a *app.App, interval time.Duration) {
	log := logger.Component(a.Log, "requeue")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := a.Requeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Requeue scan failed")
		} else if n > 0 {
			log.Info().Int("queued", n).Msg("Requeued waiting inbox items")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
