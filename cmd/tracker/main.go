package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/service_registry"
	"github.com/benmeehan/udp-tracker/internal/utils"
	"github.com/benmeehan/udp-tracker/pkg/file"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file (empty for defaults)")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, _ := zerolog.ParseLevel(config.Logging.Level)
	if config.Logging.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	log = log.Level(level)

	serviceRegistry := service_registry.NewServiceRegistry(fileClient, log)

	apiClient, err := service_registry.NewAPIClient(config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.API.Timeout)
	health, err := apiClient.CheckHealth(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Backend health check failed, continuing")
	} else {
		log.Info().Str("status", health.Status).Str("version", health.Version).Msg("Backend reachable")
	}

	tr, err := serviceRegistry.NewTransport(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create push transport")
	}

	if err := serviceRegistry.RegisterServices(config, tr, apiClient); err != nil {
		log.Fatal().Err(err).Msg("Failed to register services")
	}

	if err := serviceRegistry.StartServices(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start services")
	}
	log.Info().Str("transport", tr.Name()).Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}
}
