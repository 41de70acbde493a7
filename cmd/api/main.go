package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/teamledger/internal/app"
	"github.com/dvloznov/teamledger/internal/config"
	"github.com/dvloznov/teamledger/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	port := flag.String("port", cfg.Port, "HTTP server port (or set PORT env)")
	inProcess := flag.Bool("worker", true, "Run analysis workers and the invoice sweeper in this process")
	flag.Parse()

	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	if *inProcess {
		if err := a.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start workers")
		}
		go a.RunSweeper(ctx, cfg.InvoiceSweepInterval)
	} else {
		log.Warn().Msg("Workers disabled; inbox items stay queued until a worker process runs")
	}

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", *port).
			Str("store", cfg.StoreDriver).
			Bool("gemini", cfg.GeminiEnabled).
			Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error releasing services")
	}

	log.Info().Msg("Server exited")
}
