package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/chat-relay/internal/config"
	"github.com/tjfontaine/chat-relay/internal/runtime"
	"github.com/tjfontaine/chat-relay/internal/telemetry"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config.yaml")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("chat-relay", logger, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		PrettyPrint: cfg.Telemetry.Pretty,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	app, err := runtime.New(
		runtime.WithConfig(cfg),
		runtime.WithWatch(*configPath),
		runtime.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("relay shutdown complete")
}
