package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/config"
	"github.com/lanesync/lanesync/internal/supervisor"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "lanesyncd").Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start sync core")
	}

	if !cfg.CloudEnabled() {
		log.Info().Msg("cloud uplink dormant: CLOUD_BASE_URL or CLOUD_SERVICE_KEY unset")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutting down gracefully...")
		cancel()
		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("shutdown error")
			}
		case <-time.After(30 * time.Second):
			log.Error().Msg("shutdown timed out")
		}
	case err := <-done:
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("sync core failed")
		}
	}
}
