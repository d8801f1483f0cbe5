package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-dex/internal/app"
	"github.com/ksred/klear-dex/internal/config"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the order execution server with graceful shutdown support
// It sets up storage, the job queue workers, the update dispatcher and the API routes
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	application, err := app.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize services")
	}

	// Background workers run until shutdown
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if err := application.Start(workerCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start workers")
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: application.Router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight orders finish; queued ones stay journaled for the next start
	if err := application.Close(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop services cleanly")
	}
	workerCancel()

	zlog.Info().Msg("Server exiting")
}
