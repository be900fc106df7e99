// ABOUTME: Entry point for the task-routing hub.
// ABOUTME: Loads config from env vars (+ optional YAML overlay), wires every component, serves until signalled.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/taskhub/internal/hub"
)

const banner = `
  _               _      _           _
 | |_ __ _ ___| | __ | |__  _   _| |__
 | __/ _' / __| |/ / | '_ \| | | | '_ \
 | || (_| \__ \   <  | | | | |_| | |_) |
  \__\__,_|___/_|\_\ |_| |_|\__,_|_.__/
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configOverlay := os.Getenv("HUB_CONFIG")
	cfg, err := hub.LoadConfig(configOverlay)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger()

	green := color.New(color.FgGreen)
	green.Print("  > ")
	fmt.Printf("Port:     %d\n", cfg.Port)
	green.Print("  > ")
	fmt.Printf("Database: %s\n", databaseLabel(cfg.DatabaseURL))
	if cfg.Matrix.Enabled {
		green.Print("  > ")
		fmt.Printf("Matrix:   %s\n", cfg.Matrix.Homeserver)
	}
	fmt.Println()

	logger.Info("starting hub", "port", cfg.Port, "matrix_enabled", cfg.Matrix.Enabled)

	h, err := hub.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing hub: %w", err)
	}
	defer h.Close()

	return h.Run(ctx)
}

func databaseLabel(url string) string {
	if url == "" {
		return "file fallback (data/credentials.json)"
	}
	return url
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("HUB_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
