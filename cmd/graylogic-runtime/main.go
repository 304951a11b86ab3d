// Gray Logic Runtime - event-driven automation core
//
// This is the main entry point for the Gray Logic runtime. It loads the
// configuration, builds the service graph (hub, bus, scheduler, state
// cache, watcher, transport ingest, telemetry, API and the application
// host) and hands it to the coordinator, which owns startup order,
// supervision and shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// shutdownTimeout bounds the coordinated stop of every service.
const shutdownTimeout = 30 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown and the cause on a fatal failure.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic runtime",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	path := config.Path()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	rt, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.coord.Start(ctx); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchConfig(watchCtx, path, cfg, rt, log)

	log.Info("initialisation complete, waiting for shutdown signal")

	var fatal error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case fatal = <-rt.coord.Fatal():
		log.Error("supervision failed, shutting down", "error", fatal)
	}
	stopWatch()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := rt.coord.Stop(stopCtx); err != nil {
		log.Error("services did not stop cleanly", "error", err)
	}

	log.Info("Gray Logic runtime stopped")
	if fatal != nil {
		return fmt.Errorf("fatal service failure: %w", fatal)
	}
	return nil
}

// watchConfig applies configuration changes that keep the service graph.
// Changes to the graph itself only take effect after a restart.
func watchConfig(ctx context.Context, path string, current *config.Config, rt *runtime, log *logging.Logger) {
	onChange := func(next *config.Config) {
		if !config.SameTopology(current, next) {
			log.Warn("configuration changes the service graph, restart to apply", "path", path)
			return
		}
		if err := log.Reload(next); err != nil {
			log.Warn("log level not reloaded", "error", err)
		}
		if err := rt.coord.Reload(next); err != nil {
			log.Warn("configuration reload incomplete", "error", err)
		}
		current = next
		log.Info("configuration reloaded", "path", path)
	}
	onError := func(err error) {
		log.Warn("configuration reload rejected", "error", err)
	}

	if err := config.Watch(ctx, path, onChange, onError); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("configuration watch stopped", "error", err)
	}
}
