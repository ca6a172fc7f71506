package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"

	"message-router/internal/common/logging"
	"message-router/internal/config"
	"message-router/internal/transport"
)

// Run starts the router and blocks until SIGINT/SIGTERM or a listener
// failure, then shuts down gracefully.
func Run(ctx context.Context) error {
	// a missing .env file is fine
	_ = godotenv.Load()

	closer, err := logging.InitGlobalLogger()
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logging.MustSync()

	logging.Info("Starting message router", logging.Int("cpus", runtime.NumCPU()))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	app, err := New(cfg, transport.DefaultRegistry())
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr, err := app.Start(ctx)
	if err != nil {
		_ = app.Shutdown(context.Background())
		logging.Error("Listener failed to start", err)
		return err
	}

	select {
	case <-ctx.Done():
		logging.Info("Shutting down message router")
	case err = <-serveErr:
		logging.Error("Listener failed", err)
	}

	timeout, _, _ := cfg.Durations()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil {
		logging.Warn("Error during shutdown", logging.Err(shutdownErr))
	}

	logging.Info("Message router exited")
	return err
}
