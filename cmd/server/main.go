package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/pkg/tollgate"
)

func main() {
	// .env is optional, real deployments set environment directly
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("TOLLGATE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := tollgate.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("server.config_load_failed")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tollgate-server",
		Environment: cfg.Logging.Environment,
	})

	app, err := tollgate.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("server.init_failed")
	}
	defer func() {
		if err := app.Close(); err != nil {
			appLogger.Error().Err(err).Msg("server.close_failed")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
		Handler:      app.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("realm", cfg.Gate.Realm).
			Str("method", cfg.Gate.Method).
			Msg("server.listening")
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal().Err(err).Msg("server.listen_failed")
		}
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("server.shutting_down")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			appLogger.Error().Err(err).Msg("server.shutdown_failed")
		}
	}
}
