package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nethesis/matrix-appservice/api"
	"github.com/nethesis/matrix-appservice/db"
	"github.com/nethesis/matrix-appservice/logger"
	"github.com/nethesis/matrix-appservice/matrix"
	"github.com/nethesis/matrix-appservice/models"
	"github.com/nethesis/matrix-appservice/service"
)

func main() {
	logger.Init(logger.Level(os.Getenv("LOGLEVEL")))

	cfg, err := service.NewConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration error")
	}
	logger.Init(logger.Level(cfg.LogLevel))

	reg, err := models.LoadRegistration(cfg.RegistrationPath)
	if err != nil {
		logger.Fatal().Str("path", cfg.RegistrationPath).Err(err).Msg("failed to load registration")
	}

	factory, err := matrix.NewFactory(matrix.FactoryConfig{
		HomeserverURL: cfg.HomeserverURL,
		ASToken:       reg.ASToken,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize matrix client factory")
	}

	var storage service.Storage
	if cfg.DBPath != "" {
		database, err := db.NewDatabase(cfg.DBPath, cfg.DedupBound)
		if err != nil {
			logger.Fatal().Str("path", cfg.DBPath).Err(err).Msg("failed to open database")
		}
		defer func() {
			if err := database.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close database")
			}
		}()
		storage = database
	}

	as, err := service.NewAppservice(service.Options{
		Registration:  reg,
		ServerName:    cfg.ServerName,
		Storage:       storage,
		ClientFactory: factory.ClientFactory(),
		DedupBound:    cfg.DedupBound,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize appservice")
	}

	srv := api.NewServer(as, cfg.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = srv.Begin(ctx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start appservice")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
