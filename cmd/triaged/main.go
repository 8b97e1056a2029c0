// Command triaged is the incident investigation daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/drewfead/triage/internal/config"
	"github.com/drewfead/triage/internal/daemon"
	"github.com/drewfead/triage/internal/logging"
)

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	if err := logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Daemon.LogLevel),
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       environment(),
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	d, err := daemon.New(context.Background(), cfg)
	if err != nil {
		logging.Error("failed to initialize daemon", "error", err)
		return 1
	}

	logging.Info("starting triaged",
		"version", Version,
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Backend,
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	if err := d.Run(); err != nil {
		logging.Error("daemon error", "error", err)
		return 1
	}
	return 0
}

func environment() string {
	if env := os.Getenv("TRIAGE_ENV"); env != "" {
		return env
	}
	return "development"
}
