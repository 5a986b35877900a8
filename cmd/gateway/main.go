package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convergio/maoc/internal/application"
	"github.com/convergio/maoc/internal/infrastructure/config"
	"github.com/convergio/maoc/internal/infrastructure/logger"
	"go.uber.org/zap"
)

const (
	appName    = "convergio-gateway"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Convergio gateway",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NewApp wires the full C1-C10 orchestrator plus its HTTP/websocket
	// surface — the gateway's job from here is just to start it and wait
	// for a shutdown signal. For a single-turn CLI loop instead, see
	// cmd/maocctl.
	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

func printUsage() {
	fmt.Printf(`%s v%s

Usage:
  gateway           Start the gateway server (default): HTTP + websocket
                    surface over the C1-C10 multi-agent orchestrator.
  gateway version   Show version
  gateway help      Show this help

For an interactive single-turn CLI loop instead of the HTTP server, see
maocctl run.

Environment:
  CONVERGIO_*       Configuration overrides (see config.yaml)
`, appName, appVersion)
}
