// citrascope is the ground-station daemon: it polls the task-dispatch
// service for observation windows, drives the telescope through them,
// and uploads the processed captures.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/daemon"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by systemd.
	_ = godotenv.Load()

	configPath := flag.String("config", "citrascope.yaml", "path to the config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("CITRASCOPE_LOG_LEVEL")),
	})))

	settings, err := config.NewManager(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", *configPath, err)
	}

	d, err := daemon.New(daemon.Options{Settings: settings})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
