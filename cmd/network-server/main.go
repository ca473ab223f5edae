package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/framengine/internal/config"
	"github.com/lorawan-server/framengine/internal/engine"
	"github.com/lorawan-server/framengine/internal/httpapi"
	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/internal/transport"
)

func main() {
	configPath := flag.String("config", "config/network-server.yml", "path to configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().Str("config_path", *configPath).Str("server", cfg.Server.Name).Msg("network server starting")

	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	engineCfg := engine.Config{MaxLostAfterReset: cfg.Engine.MaxLostAfterReset}
	sub := transport.NewSubscriber(nc, store, engineCfg, cfg.Engine.MaxConcurrentIngests, log.Logger)

	api := httpapi.New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := sub.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("nats subscriber stopped")
			cancel()
		}
	}()

	go func() {
		addr := cfg.API.Host + ":" + strconv.Itoa(cfg.API.Port)
		log.Info().Str("addr", addr).Msg("http api listening")
		if err := api.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http api stopped")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http api shutdown error")
	}

	log.Info().Msg("network server stopped")
}
