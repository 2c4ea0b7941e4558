package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexus-trading/chainintel/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("source", cfg.Source.Type).
		Int("window_max_tx", cfg.Pipeline.Window.MaxTransactions).
		Dur("window_max_duration", cfg.Pipeline.Window.MaxDuration).
		Int("workers", cfg.Pipeline.Workers).
		Bool("kafka_publish", cfg.Kafka.Enabled).
		Bool("clickhouse_archive", cfg.ClickHouse.Enabled).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	a, err := build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize components")
	}

	runErr := a.run(ctx)
	cancel()
	a.shutdown()

	if runErr != nil {
		log.Error().Err(runErr).Msg("chainintel stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("chainintel - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", general.Service).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", general.Service).
			Str("instance", general.InstanceID).Logger()
	}
}
