package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"voiceform/internal/config"
	"voiceform/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceform: %v\n", err)
		return 1
	}

	logger, closer, err := logging.New(cfg.Log.Level, cfg.Log.Dir)
	if err != nil {
		logger.Warn().Err(err).Msg("file logging disabled")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, logger)
	if err := app.startup(ctx); err != nil {
		return 1
	}
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("voiceform stopped")
		return 1
	}
	logger.Info().Msg("voiceform stopped")
	return 0
}
